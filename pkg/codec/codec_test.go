package codec

import (
	"reflect"
	"strings"
	"testing"

	"github.com/mbeema/liveprof/pkg/profile"
)

func TestJSONRoundTrip(t *testing.T) {
	inputs := []profile.Aggregate{
		{},
		{"main()": {CT: 1, WT: 1500, MU: 2048}},
		{
			"main()":             {CT: 3, WT: 300000},
			"main()==>func":      {CT: 2, WT: 200000},
			"func==>func2":       {CT: 1, WT: 100000},
			"main()==>db==>exec": {CT: 7, WT: 42, MU: -512},
		},
	}

	c := Default()
	for _, in := range inputs {
		b, err := c.Encode(in)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		out, err := c.Decode(b)
		if err != nil {
			t.Fatalf("Decode(%s): %v", b, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Errorf("round trip mismatch:\n in=%v\nout=%v", in, out)
		}
	}
}

func TestJSONEncodeShape(t *testing.T) {
	b, err := JSON{}.Encode(profile.Aggregate{"a": {CT: 1, WT: 2}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b) != `{"a":{"ct":1,"wt":2}}` {
		t.Errorf("unexpected encoding %s", b)
	}
}

func TestJSONEncodeNil(t *testing.T) {
	b, err := JSON{}.Encode(nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b) != "{}" {
		t.Errorf("nil aggregate should encode as {}, got %s", b)
	}
}

func TestJSONDecodeGarbage(t *testing.T) {
	_, err := JSON{}.Decode([]byte("not json"))
	if err == nil || !strings.Contains(err.Error(), "decode aggregate") {
		t.Errorf("expected wrapped decode error, got %v", err)
	}
}

func TestJSONRoundTripArbitraryKeys(t *testing.T) {
	in := profile.Aggregate{
		"main()==>\xff\xfe":    {CT: 1, WT: 2},
		"main()==>100%":        {CT: 3, WT: 4},
		"main()==>%FF":         {CT: 5, WT: 6},
		"main()==>héllo\x80ok": {CT: 7, WT: 8},
		"main()==>日本":          {CT: 9, WT: 10},
		"%":                    {CT: 11, WT: 12},
	}
	b, err := Default().Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Default().Decode(b)
	if err != nil {
		t.Fatalf("Decode(%s): %v", b, err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch:\n in=%q\nout=%q", in, out)
	}
}

func TestJSONDecodeBadEscape(t *testing.T) {
	for _, data := range []string{`{"a%":{"ct":1,"wt":1}}`, `{"a%zz":{"ct":1,"wt":1}}`} {
		if _, err := (JSON{}).Decode([]byte(data)); err == nil {
			t.Errorf("Decode(%s): expected error", data)
		}
	}
}
