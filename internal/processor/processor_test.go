package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/records"
)

type failingGenerator struct{ err error }

func (g failingGenerator) Generate(context.Context, Input) (records.ProcessingOutput, error) {
	return records.ProcessingOutput{}, g.err
}

func createMemory(t *testing.T, store records.Store, text string) records.MemoryRecord {
	t.Helper()
	rec, _, err := store.CreateMemory(context.Background(), records.MemoryRecord{
		UserID:     "user-1",
		LocalID:    "loc-" + text,
		MemoryType: capture.MemoryTypeStory,
		InputText:  text,
		CapturedAt: time.Now(),
	}, true)
	require.NoError(t, err)
	return rec
}

func onlyJob(t *testing.T, store records.Store, memoryID string) records.ProcessingJob {
	t.Helper()
	jobs, err := store.ListJobsForMemory(context.Background(), memoryID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func TestProcessWritesOutputAndCompletesJob(t *testing.T) {
	ctx := context.Background()
	store := records.NewInMemoryStore()
	rec := createMemory(t, store, "we   went to the lake. it was cold")

	p := New(store, NewMockGenerator(), 3, nil)
	require.NoError(t, p.Process(ctx, rec.ID))

	got, err := store.GetMemory(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProcessedText)
	assert.Equal(t, "We went to the lake. it was cold.", *got.ProcessedText)
	assert.Equal(t, "We went to the lake", got.Title)
	require.NotNil(t, got.TitleGeneratedAt)

	job := onlyJob(t, store, rec.ID)
	assert.Equal(t, records.JobComplete, job.State)
	assert.Equal(t, true, job.Metadata["titleGenerated"])
}

func TestProcessKeepsUserTitle(t *testing.T) {
	ctx := context.Background()
	store := records.NewInMemoryStore()
	rec := createMemory(t, store, "first snow of the year")
	_, err := store.UpdateTitle(ctx, rec.ID, "Snow day")
	require.NoError(t, err)

	require.NoError(t, New(store, NewMockGenerator(), 3, nil).Process(ctx, rec.ID))

	got, err := store.GetMemory(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Snow day", got.Title)
	require.NotNil(t, got.GeneratedTitle)
	assert.Equal(t, "First snow of the year", *got.GeneratedTitle)
}

func TestProcessWithoutActiveJobIsNoop(t *testing.T) {
	ctx := context.Background()
	store := records.NewInMemoryStore()
	rec := createMemory(t, store, "a quiet evening")
	p := New(store, NewMockGenerator(), 3, nil)

	require.NoError(t, p.Process(ctx, rec.ID))
	require.NoError(t, p.Process(ctx, rec.ID))
	require.NoError(t, p.Process(ctx, "missing"))

	assert.Equal(t, records.JobComplete, onlyJob(t, store, rec.ID).State)
}

func TestProcessReleasesThenFails(t *testing.T) {
	ctx := context.Background()
	store := records.NewInMemoryStore()
	rec := createMemory(t, store, "the old bakery")
	boom := errors.New("model overloaded")
	p := New(store, failingGenerator{err: boom}, 2, nil)

	claimed, err := store.ClaimScheduledJobs(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.ErrorIs(t, p.Process(ctx, rec.ID), boom)

	job := onlyJob(t, store, rec.ID)
	assert.Equal(t, records.JobScheduled, job.State)
	assert.Equal(t, "model overloaded", job.LastError)

	claimed, err = store.ClaimScheduledJobs(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 2, claimed[0].Attempts)
	require.ErrorIs(t, p.Process(ctx, rec.ID), boom)

	job = onlyJob(t, store, rec.ID)
	assert.Equal(t, records.JobFailed, job.State)
	assert.Equal(t, ReasonGeneratorFailed, job.Metadata[records.MetaFailureReason])

	got, err := store.GetMemory(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ProcessedText)
	assert.Equal(t, "the old bakery", got.DisplayText())
}

func TestProcessSkipsAlreadyProcessedMemory(t *testing.T) {
	ctx := context.Background()
	store := records.NewInMemoryStore()
	rec := createMemory(t, store, "grandma's ring")
	_, err := store.ApplyProcessing(ctx, rec.ID, records.ProcessingOutput{ProcessedText: "Grandma's ring.", Title: "Ring"}, time.Now())
	require.NoError(t, err)

	require.NoError(t, New(store, failingGenerator{err: errors.New("must not run")}, 3, nil).Process(ctx, rec.ID))

	job := onlyJob(t, store, rec.ID)
	assert.Equal(t, records.JobComplete, job.State)
	assert.Equal(t, true, job.Metadata[records.MetaSkipped])
}

func TestMockGeneratorMementoTitle(t *testing.T) {
	out, err := NewMockGenerator().Generate(context.Background(), Input{
		MemoryType: capture.MemoryTypeMemento,
		Text:       "pocket watch from my grandfather who carried it through the war and back home",
	})
	require.NoError(t, err)
	assert.Equal(t, "Memento: Pocket watch from my grandfather who carried it", out.Title)
	assert.Equal(t, "Pocket watch from my grandfather who carried it through the war and back home.", out.ProcessedText)
}

func TestChatGeneratorParsesAnswer(t *testing.T) {
	var got struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		content := "```json\n{\"title\": \"Lake day\", \"text\": \"We went to the lake.\"}\n```"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
	defer srv.Close()

	g := NewChatGenerator(srv.URL+"/v1/", "sk-test", "", time.Second)
	out, err := g.Generate(context.Background(), Input{MemoryType: capture.MemoryTypeMoment, Text: "we went to the lake", Tags: []string{"summer"}})
	require.NoError(t, err)
	assert.Equal(t, "Lake day", out.Title)
	assert.Equal(t, "We went to the lake.", out.ProcessedText)

	assert.Equal(t, defaultChatModel, got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "Tags: summer")
}

func TestChatGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewChatGenerator(srv.URL, "k", "m", time.Second).Generate(context.Background(), Input{MemoryType: capture.MemoryTypeStory, Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestEveryMemoryTypeHasPrompt(t *testing.T) {
	for _, mt := range capture.MemoryTypes {
		assert.NotEmpty(t, systemPrompts[mt], "prompt for %s", mt)
	}
}

func TestNewGeneratorModes(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MockGenerator{}, g)

	g, err = NewGenerator(GeneratorConfig{Mode: "auto", APIBase: "http://llm", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &ChatGenerator{}, g)

	_, err = NewGenerator(GeneratorConfig{Mode: "http"})
	require.Error(t, err)

	_, err = NewGenerator(GeneratorConfig{Mode: "carrier-pigeon"})
	require.Error(t, err)
}
