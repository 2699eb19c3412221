package pipeline

import (
	"log/slog"
	"os"
	"testing"

	"github.com/crawlcore/crawlcore/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestPipelineBasic(t *testing.T) {
	p := New(testLogger)
	p.Use(&TrimMiddleware{})

	item := types.NewItem("https://example.com")
	item.Set("title", "  Hello World  ")
	item.Set("extra", " spaces ")

	result, err := p.Process(item)
	if err != nil {
		t.Fatalf("pipeline error: %v", err)
	}
	if result.GetString("title") != "Hello World" {
		t.Errorf("expected trimmed title, got %q", result.GetString("title"))
	}
	if result.GetString("extra") != "spaces" {
		t.Errorf("expected trimmed extra, got %q", result.GetString("extra"))
	}
}

func TestRequiredFieldsMiddleware(t *testing.T) {
	m := &RequiredFieldsMiddleware{Fields: []string{"title"}}

	item1 := types.NewItem("https://example.com")
	item1.Set("title", "Hello")
	result, err := m.Process(item1)
	if err != nil || result == nil {
		t.Error("item with required field should pass")
	}

	item2 := types.NewItem("https://example.com")
	item2.Set("body", "no title")
	result, _ = m.Process(item2)
	if result != nil {
		t.Error("item missing required field should be dropped (nil)")
	}

	item3 := types.NewItem("https://example.com")
	item3.Set("title", "   ")
	result, _ = m.Process(item3)
	if result != nil {
		t.Error("item with a blank required field should be dropped (nil)")
	}
}

func TestDedupMiddleware(t *testing.T) {
	m := NewDedupMiddleware("url")

	item1 := types.NewItem("https://example.com/page1")
	item1.Set("title", "Hello")
	result, err := m.Process(item1)
	if err != nil || result == nil {
		t.Fatal("first item should pass dedup")
	}

	item2 := types.NewItem("https://example.com/page1")
	item2.Set("title", "Hello Again")
	result, _ = m.Process(item2)
	if result != nil {
		t.Error("duplicate item should be dropped (nil result)")
	}

	item3 := types.NewItem("https://example.com/page2")
	item3.Set("title", "Different")
	result, err = m.Process(item3)
	if err != nil || result == nil {
		t.Fatal("different URL should pass dedup")
	}
}

func TestPipelineStageErrorWraps(t *testing.T) {
	p := New(testLogger)
	p.Use(&failingMiddleware{})

	_, err := p.Process(types.NewItem("https://example.com"))
	if err == nil {
		t.Fatal("expected an error from the failing stage")
	}
	var stageErr *StageError
	if se, ok := err.(*StageError); ok {
		stageErr = se
	}
	if stageErr == nil || stageErr.Stage != "failing" {
		t.Errorf("expected a *StageError naming the failing stage, got %v", err)
	}
}

type failingMiddleware struct{}

func (failingMiddleware) Name() string { return "failing" }
func (failingMiddleware) Process(*types.Item) (*types.Item, error) {
	return nil, os.ErrInvalid
}

func BenchmarkPipeline(b *testing.B) {
	p := New(testLogger)
	p.Use(&TrimMiddleware{})
	p.Use(&RequiredFieldsMiddleware{Fields: []string{"title"}})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		item := types.NewItem("https://example.com")
		item.Set("title", "  Hello World  ")
		item.Set("body", "  Content  ")
		p.Process(item)
	}
}
