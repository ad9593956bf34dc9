package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDescriptorValidate(t *testing.T) {
	d := &Descriptor{ID: "rec1", Key: "key"}
	if err := d.Validate(); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}
	for _, d := range []*Descriptor{{}, {ID: "rec1"}, {Key: "key"}} {
		if err := d.Validate(); !errors.Is(err, ErrDescriptorInvalid) {
			t.Errorf("%+v: err = %v", d, err)
		}
	}
}

func TestDescriptorJSONKeys(t *testing.T) {
	b, err := json.Marshal(&Descriptor{ID: "rec1", Key: "key", FlacEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "key", "flacEnabled", "continuousEnabled", "shardOrdinal"} {
		if _, ok := m[key]; !ok {
			t.Errorf("key %q missing from wire form", key)
		}
	}
}
