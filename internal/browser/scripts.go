package browser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StatusGlobal names the promise installed on every page so the app can
// detect that it is being prerendered.
const StatusGlobal = "__PRERENDER_STATUS__"

// neverFired is listened for when no render event is configured; the promise
// then stays pending but still exists.
const neverFired = "__prerender_no_event__"

// Injection is assigned to window[Key] before any page script runs.
type Injection struct {
	Key   string
	Value any
}

func injectionScript(injections []Injection) (string, error) {
	if len(injections) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("(function () {\n")
	for _, inj := range injections {
		key, err := json.Marshal(inj.Key)
		if err != nil {
			return "", fmt.Errorf("encode injection key: %w", err)
		}
		value, err := json.Marshal(inj.Value)
		if err != nil {
			return "", fmt.Errorf("encode injection %q: %w", inj.Key, err)
		}
		fmt.Fprintf(&b, "  window[%s] = %s;\n", key, value)
	}
	b.WriteString("})();")
	return b.String(), nil
}

func statusScript(eventName string) string {
	if eventName == "" {
		eventName = neverFired
	}
	event, _ := json.Marshal(eventName)
	global, _ := json.Marshal(StatusGlobal)
	return fmt.Sprintf(`(function () {
  window[%s] = new Promise(function (resolve) {
    document.addEventListener(%s, function () { resolve(); });
  });
})();`, global, event)
}

// readyScript returns the expression awaited after navigation, or "" when
// the page is ready as soon as the network is idle.
func readyScript(cfg Config) string {
	switch {
	case cfg.RenderAfterEvent != "":
		global, _ := json.Marshal(StatusGlobal)
		return fmt.Sprintf("window[%s]", global)
	case cfg.RenderAfterTime > 0:
		return fmt.Sprintf("new Promise(function (resolve) { setTimeout(resolve, %d); })",
			cfg.RenderAfterTime.Milliseconds())
	default:
		return ""
	}
}
