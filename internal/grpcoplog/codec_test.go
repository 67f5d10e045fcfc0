package grpcoplog

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := &LookupRequest{Namespace: "ns", WorkerID: "w-1", Index: 42}

	data, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got LookupRequest
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != *req {
		t.Fatalf("got %+v, want %+v", got, *req)
	}
}

func TestJSONCodecName(t *testing.T) {
	if (jsonCodec{}).Name() != "json" {
		t.Fatalf("Name() = %q, want json", (jsonCodec{}).Name())
	}
}
