package browser

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjectionScript(t *testing.T) {
	t.Parallel()

	src, err := injectionScript(nil)
	require.NoError(t, err)
	assert.Empty(t, src)

	src, err = injectionScript([]Injection{
		{Key: "__PRERENDER_INJECTED__", Value: map[string]any{"prerendered": true}},
		{Key: "apiBase", Value: "https://api.example.com"},
		{Key: "quote'key", Value: 3},
	})
	require.NoError(t, err)
	assert.Contains(t, src, `window["__PRERENDER_INJECTED__"] = {"prerendered":true};`)
	assert.Contains(t, src, `window["apiBase"] = "https://api.example.com";`)
	assert.Contains(t, src, `window["quote'key"] = 3;`)

	_, err = injectionScript([]Injection{{Key: "bad", Value: func() {}}})
	require.Error(t, err)
}

func TestStatusScript(t *testing.T) {
	t.Parallel()

	src := statusScript("app-rendered")
	assert.Contains(t, src, `window["__PRERENDER_STATUS__"] = new Promise`)
	assert.Contains(t, src, `document.addEventListener("app-rendered"`)

	// The promise is installed even without an event so apps can detect
	// prerendering.
	assert.Contains(t, statusScript(""), `window["__PRERENDER_STATUS__"]`)
	assert.Contains(t, statusScript(""), neverFired)
}

func TestReadyScript(t *testing.T) {
	t.Parallel()

	assert.Empty(t, readyScript(Config{}))
	assert.Equal(t, `window["__PRERENDER_STATUS__"]`, readyScript(Config{RenderAfterEvent: "ready"}))
	assert.Contains(t, readyScript(Config{RenderAfterTime: 1500 * time.Millisecond}), "setTimeout(resolve, 1500)")
}

func idleFired(tracker *idleTracker) bool {
	select {
	case <-tracker.done:
		return true
	default:
		return false
	}
}

func TestIdleTrackerWaitsForNavigatedLoader(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker()
	// Replayed state of the blank page must not count.
	tracker.observe(&page.EventLifecycleEvent{FrameID: "main", LoaderID: "blank", Name: "networkIdle"})
	assert.False(t, idleFired(tracker), "idle before navigation")

	tracker.arm("nav")
	tracker.observe(&page.EventLifecycleEvent{FrameID: "main", LoaderID: "nav", Name: "init"})
	tracker.observe(&page.EventLifecycleEvent{FrameID: "child", LoaderID: "iframe", Name: "networkIdle"})
	assert.False(t, idleFired(tracker), "idle on another loader")

	tracker.observe(&page.EventLifecycleEvent{FrameID: "main", LoaderID: "nav", Name: "networkIdle"})
	tracker.observe(&page.EventLifecycleEvent{FrameID: "main", LoaderID: "nav", Name: "networkIdle"})
	assert.True(t, idleFired(tracker))
}

func TestIdleTrackerCountsEarlyIdle(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker()
	tracker.observe(&page.EventLifecycleEvent{FrameID: "main", LoaderID: "nav", Name: "networkIdle"})
	assert.False(t, idleFired(tracker))

	tracker.arm("nav")
	assert.True(t, idleFired(tracker))
	require.NoError(t, tracker.wait(t.Context()))
}

func TestLaunchRejectsConflictingWaits(t *testing.T) {
	t.Parallel()

	_, err := Launch(t.Context(), Config{RenderAfterEvent: "x", RenderAfterTime: time.Second}, nil)
	require.Error(t, err)
}

func TestAllocatorOptions(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{}))
	full := allocatorOptions(Config{ExecPath: "/usr/bin/chromium", UserAgent: "prerender", NoSandbox: true})
	assert.Len(t, full, base+3)
}

func TestRenderAfterClose(t *testing.T) {
	t.Parallel()

	b := &Browser{}
	b.closed.Store(true)
	_, err := b.RenderRoute(t.Context(), "http://127.0.0.1/")
	require.ErrorIs(t, err, ErrBrowserClosed)
	require.NoError(t, b.Close(t.Context()))
}
