package protocol

import (
	"encoding/json"
	"testing"
)

func decoded(t *testing.T, raw string) *Message {
	t.Helper()
	msg := &Message{}
	if err := json.Unmarshal([]byte(raw), msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg.Raw = []byte(raw)
	return msg
}

func TestTokenArg(t *testing.T) {
	t.Run("WellFormed", func(t *testing.T) {
		msg := decoded(t, `{"name":"token","args":["abcdefgh"]}`)
		token, ok := msg.TokenArg()
		if !ok || token != "abcdefgh" {
			t.Fatalf("got %q, %v", token, ok)
		}
	})
	t.Run("NonStringToken", func(t *testing.T) {
		msg := decoded(t, `{"name":"token","args":[17]}`)
		if _, ok := msg.TokenArg(); ok {
			t.Fatal("accepted numeric token")
		}
	})
	t.Run("WrongName", func(t *testing.T) {
		msg := decoded(t, `{"name":"hello","args":["abcdefgh"]}`)
		if _, ok := msg.TokenArg(); ok {
			t.Fatal("accepted non-token message")
		}
	})
	t.Run("MissingArgs", func(t *testing.T) {
		msg := decoded(t, `{"name":"token","args":[]}`)
		if _, ok := msg.TokenArg(); ok {
			t.Fatal("accepted empty args")
		}
	})
}

func TestEventsArg(t *testing.T) {
	t.Run("EventArray", func(t *testing.T) {
		msg := decoded(t, `{"name":"move","args":[[{"type":"add","args":[3]},{"type":"pass","args":[]}]]}`)
		events, err := msg.EventsArg()
		if err != nil {
			t.Fatalf("EventsArg: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("got %d events", len(events))
		}
		if events[0].Type != "add" || events[1].Type != "pass" {
			t.Errorf("events = %+v", events)
		}
		if events[0].Args[0] != float64(3) {
			t.Errorf("args = %v", events[0].Args)
		}
	})
	t.Run("MissingPayload", func(t *testing.T) {
		msg := decoded(t, `{"name":"move","args":[]}`)
		events, err := msg.EventsArg()
		if err != nil || len(events) != 0 {
			t.Fatalf("got %v, %v", events, err)
		}
	})
	t.Run("NonArrayPayload", func(t *testing.T) {
		msg := decoded(t, `{"name":"move","args":["nope"]}`)
		events, err := msg.EventsArg()
		if err != nil || len(events) != 0 {
			t.Fatalf("got %v, %v", events, err)
		}
	})
}

func TestReportShape(t *testing.T) {
	report := NewReport("line one", "line two")
	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"name":"report","args":[["line one","line two"]]}`
	if string(data) != want {
		t.Errorf("report = %s, want %s", data, want)
	}
}

func TestInitShape(t *testing.T) {
	data, err := json.Marshal(NewInit())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"name":"init","args":[[]]}`
	if string(data) != want {
		t.Errorf("init = %s, want %s", data, want)
	}
}
