package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// namespace qualifies a backend-local tool/resource/prompt name with its
// connector id: each backend name T is exposed as "<connector_id><sep>T".
func namespace(connectorID, sep, name string) string {
	return connectorID + sep + name
}

// splitNamespace reverses namespace: given a qualified name and the set of
// known connector ids (each with its own configured separator), it returns
// the owning connector id and the backend-local name. The longest matching
// connector id wins so one connector id being a prefix of another (e.g.
// "git" and "github") can never misroute.
func splitNamespace(qualified string, seps map[string]string) (connectorID, localName string, ok bool) {
	bestLen := -1
	for id, sep := range seps {
		prefix := id + sep
		if strings.HasPrefix(qualified, prefix) && len(prefix) > bestLen {
			connectorID = id
			localName = qualified[len(prefix):]
			bestLen = len(prefix)
			ok = true
		}
	}
	return connectorID, localName, ok
}

// prefixJSONField rewrites the string value of nameField inside a raw JSON
// object with its namespaced form, used to apply the same tools/list
// prefixing rule to resources/list and prompts/list items.
func prefixJSONField(raw json.RawMessage, nameField, connectorID, sep string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("proxy: malformed item: %w", err)
	}
	var name string
	if err := json.Unmarshal(obj[nameField], &name); err != nil {
		return nil, fmt.Errorf("proxy: item missing %q: %w", nameField, err)
	}
	qualified, err := json.Marshal(namespace(connectorID, sep, name))
	if err != nil {
		return nil, err
	}
	obj[nameField] = qualified
	return json.Marshal(obj)
}
