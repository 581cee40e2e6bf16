package proxy

import (
	"encoding/json"
	"testing"
)

func TestSplitNamespaceLongestPrefixWins(t *testing.T) {
	seps := map[string]string{
		"git":    "__",
		"github": "__",
	}

	connID, localName, ok := splitNamespace("github__list_prs", seps)
	if !ok {
		t.Fatal("expected a match")
	}
	if connID != "github" || localName != "list_prs" {
		t.Fatalf("expected github/list_prs, got %s/%s", connID, localName)
	}

	connID, localName, ok = splitNamespace("git__status", seps)
	if !ok {
		t.Fatal("expected a match")
	}
	if connID != "git" || localName != "status" {
		t.Fatalf("expected git/status, got %s/%s", connID, localName)
	}
}

func TestSplitNamespaceUnknownPrefixFails(t *testing.T) {
	seps := map[string]string{"git": "__"}
	if _, _, ok := splitNamespace("slack__post", seps); ok {
		t.Fatal("expected no match for an unconfigured connector prefix")
	}
}

func TestSplitNamespaceRespectsPerConnectorSeparator(t *testing.T) {
	seps := map[string]string{"git": ".", "slack": "__"}

	connID, localName, ok := splitNamespace("git.status", seps)
	if !ok || connID != "git" || localName != "status" {
		t.Fatalf("expected git/status, got ok=%v connID=%s localName=%s", ok, connID, localName)
	}

	// A qualified name must not match a connector using a different
	// separator even if the prefix text coincides.
	if _, _, ok := splitNamespace("git__status", seps); ok {
		t.Fatal("expected no match when the separator doesn't line up")
	}
}

func TestPrefixJSONField(t *testing.T) {
	raw := json.RawMessage(`{"name":"list_prs","description":"lists PRs"}`)
	out, err := prefixJSONField(raw, "name", "github", "__")
	if err != nil {
		t.Fatalf("prefixJSONField: %v", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(out, &obj); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if obj["name"] != "github__list_prs" {
		t.Fatalf("expected namespaced name, got %v", obj["name"])
	}
	if obj["description"] != "lists PRs" {
		t.Fatalf("expected description to survive unchanged, got %v", obj["description"])
	}
}

func TestPrefixJSONFieldMissingFieldErrors(t *testing.T) {
	raw := json.RawMessage(`{"uri":"file:///a"}`)
	if _, err := prefixJSONField(raw, "name", "github", "__"); err == nil {
		t.Fatal("expected an error when nameField is absent")
	}
}
