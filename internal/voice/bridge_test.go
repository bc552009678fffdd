package voice

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeThreadWriter records every line written to it, for assertions.
type fakeThreadWriter struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (w *fakeThreadWriter) WriteLine(channelID, line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.lines = append(w.lines, line)
	return nil
}

func (w *fakeThreadWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lines)
}

// testClient builds a bare *Client with a live broadcaster but none of
// NewClient's connection-management goroutines, so Bridge can subscribe
// without a real inference service.
func testClient() *Client {
	return &Client{
		done: make(chan struct{}),
		resp: newBroadcaster[Response](nil, 8),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestBridge_ForwardsResultLine(t *testing.T) {
	client := testClient()
	writer := &fakeThreadWriter{}
	cache := NewCache(4)

	b := NewBridge(nil, client, cache, writer, nil)
	defer b.Close()

	client.resp.Publish(Response{
		Type:           string(ResponseResult),
		ChannelID:      "c1",
		Username:       "alice",
		OriginalText:   "hola",
		TranslatedText: "hello",
		AudioHash:      42,
		TargetLanguage: "en",
	})

	waitFor(t, func() bool { return writer.count() == 1 })

	if _, ok := cache.Get(42, "en"); !ok {
		t.Error("expected result to be cached")
	}
}

func TestBridge_IgnoresNonResultResponses(t *testing.T) {
	client := testClient()
	writer := &fakeThreadWriter{}

	b := NewBridge(nil, client, nil, writer, nil)
	defer b.Close()

	client.resp.Publish(Response{Type: string(ResponseReady)})
	client.resp.Publish(Response{Type: string(ResponsePong)})
	client.resp.Publish(Response{Type: string(ResponseError), Message: "boom"})
	client.resp.Publish(Response{Type: "Unrecognized"})

	// Give the bridge's goroutine a chance to process, then confirm nothing
	// reached the writer.
	time.Sleep(20 * time.Millisecond)
	if writer.count() != 0 {
		t.Errorf("expected no lines written for non-result responses, got %d", writer.count())
	}
}

func TestBridge_EmptyResultIsDropped(t *testing.T) {
	client := testClient()
	writer := &fakeThreadWriter{}

	b := NewBridge(nil, client, nil, writer, nil)
	defer b.Close()

	client.resp.Publish(Response{Type: string(ResponseResult)})

	time.Sleep(20 * time.Millisecond)
	if writer.count() != 0 {
		t.Error("expected an empty result to be dropped")
	}
}

func TestBridge_EmptyOriginalTextIsDroppedEvenWithTranslation(t *testing.T) {
	client := testClient()
	writer := &fakeThreadWriter{}

	b := NewBridge(nil, client, nil, writer, nil)
	defer b.Close()

	// A VAD false positive can produce a Result with translated text but no
	// transcribed original; it must be dropped like any other empty result.
	client.resp.Publish(Response{Type: string(ResponseResult), TranslatedText: "hello"})

	time.Sleep(20 * time.Millisecond)
	if writer.count() != 0 {
		t.Error("expected a result with empty original_text to be dropped regardless of translated_text")
	}
}

func TestBridge_WriterErrorDoesNotPanic(t *testing.T) {
	client := testClient()
	writer := &fakeThreadWriter{err: errors.New("discord unavailable")}

	b := NewBridge(nil, client, nil, writer, nil)
	defer b.Close()

	client.resp.Publish(Response{
		Type:           string(ResponseResult),
		OriginalText:   "hi",
		TranslatedText: "hola",
	})

	// Should not panic; nothing else to assert beyond survival.
	time.Sleep(20 * time.Millisecond)
}

func TestBridge_Close_UnsubscribesAndStops(t *testing.T) {
	client := testClient()
	writer := &fakeThreadWriter{}

	b := NewBridge(nil, client, nil, writer, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error closing bridge: %v", err)
	}

	// Publishing after Close must not block or panic, even though the
	// subscriber channel has been closed.
	client.resp.Publish(Response{Type: string(ResponseResult), TranslatedText: "x"})
}

func TestFormatResult(t *testing.T) {
	got := formatResult(Response{Username: "alice", OriginalText: "hola", TranslatedText: "hello"})
	want := "**alice**\n> hola\nhello"
	if got != want {
		t.Errorf("formatResult mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}
