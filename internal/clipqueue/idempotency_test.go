package clipqueue

import (
	"encoding/json"
	"testing"
)

func TestHashContentIgnoresKeyOrder(t *testing.T) {
	first, err := HashContent(json.RawMessage(`{"a":1,"b":{"c":[1,2,3],"d":"x"}}`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	second, err := HashContent(json.RawMessage(`{"b":{"d":"x","c":[1,2,3]},"a":1}`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical hashes for reordered keys, got %s and %s", first, second)
	}
}

func TestHashContentDistinguishesValues(t *testing.T) {
	first, err := HashContent(json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	second, err := HashContent(json.RawMessage(`{"text":"hello "}`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if first == second {
		t.Fatalf("expected different hashes for different content")
	}
}

func TestHashContentDistinguishesArrayOrder(t *testing.T) {
	first, _ := HashContent(json.RawMessage(`{"children":[1,2]}`))
	second, _ := HashContent(json.RawMessage(`{"children":[2,1]}`))
	if first == second {
		t.Fatalf("array order must affect the hash")
	}
}

func TestHashContentRejectsInvalidJSON(t *testing.T) {
	if _, err := HashContent(json.RawMessage(`{not json`)); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestBuildKeyDefaultsInsertionMode(t *testing.T) {
	base := KeyParts{
		UserID:      "user_1",
		WorkspaceID: "ws_1",
		TargetID:    "block_1",
		Operation:   OpAppendBlockChildren,
		ContentHash: "abc",
	}
	explicit := base
	explicit.InsertionMode = "append"
	if BuildKey(base) != BuildKey(explicit) {
		t.Fatalf("omitted insertion mode must equal explicit default")
	}
	prepend := base
	prepend.InsertionMode = "prepend"
	if BuildKey(base) == BuildKey(prepend) {
		t.Fatalf("insertion mode must affect the key")
	}
}

func TestBuildKeyChangesWithEveryField(t *testing.T) {
	base := KeyParts{
		UserID:        "user_1",
		WorkspaceID:   "ws_1",
		TargetID:      "block_1",
		Operation:     OpAppendBlockChildren,
		InsertionMode: "append",
		AnchorID:      "anchor_1",
		ContentHash:   "abc",
	}
	variants := []KeyParts{
		{UserID: "user_2", WorkspaceID: base.WorkspaceID, TargetID: base.TargetID, Operation: base.Operation, InsertionMode: base.InsertionMode, AnchorID: base.AnchorID, ContentHash: base.ContentHash},
		{UserID: base.UserID, WorkspaceID: "ws_2", TargetID: base.TargetID, Operation: base.Operation, InsertionMode: base.InsertionMode, AnchorID: base.AnchorID, ContentHash: base.ContentHash},
		{UserID: base.UserID, WorkspaceID: base.WorkspaceID, TargetID: "block_2", Operation: base.Operation, InsertionMode: base.InsertionMode, AnchorID: base.AnchorID, ContentHash: base.ContentHash},
		{UserID: base.UserID, WorkspaceID: base.WorkspaceID, TargetID: base.TargetID, Operation: OpUpdatePage, InsertionMode: base.InsertionMode, AnchorID: base.AnchorID, ContentHash: base.ContentHash},
		{UserID: base.UserID, WorkspaceID: base.WorkspaceID, TargetID: base.TargetID, Operation: base.Operation, InsertionMode: base.InsertionMode, AnchorID: "anchor_2", ContentHash: base.ContentHash},
		{UserID: base.UserID, WorkspaceID: base.WorkspaceID, TargetID: base.TargetID, Operation: base.Operation, InsertionMode: base.InsertionMode, AnchorID: base.AnchorID, ContentHash: "def"},
	}
	baseKey := BuildKey(base)
	for i, variant := range variants {
		if BuildKey(variant) == baseKey {
			t.Fatalf("variant %d produced the same key as the base", i)
		}
	}
}

func TestBuildKeyDeterministic(t *testing.T) {
	parts := KeyParts{
		UserID:      "user_1",
		WorkspaceID: "ws_1",
		Operation:   OpCreatePage,
		ContentHash: "abc",
	}
	if BuildKey(parts) != BuildKey(parts) {
		t.Fatalf("key derivation must be deterministic")
	}
}
