package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeEvent_Shape(t *testing.T) {
	raw, err := EncodeEvent(EventConversationText, TextMessage{Text: "hi"})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	want := `42["conversation:text",{"text":"hi"}]`
	if string(raw) != want {
		t.Fatalf("EncodeEvent()=%s, want %s", raw, want)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		event string
		data  any
	}{
		{EventConversationJoin, JoinRequest{ConversationID: "c1", ChildID: "k1", Locale: "en-US"}},
		{EventConversationProcessing, Processing{ConversationID: "c1", Status: StatusThinking}},
		{"custom", []int{1, 2, 3}},
		{"custom", "just a string with <html> & \"quotes\""},
		{"custom", nil},
	}
	for _, tc := range cases {
		raw, err := EncodeEvent(tc.event, tc.data)
		if err != nil {
			t.Fatalf("EncodeEvent() error = %v", err)
		}
		f, err := Decode(raw, DefaultMaxPayload)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", raw, err)
		}
		if f.Packet != PacketMessage || !f.HasMessage || f.Message != MessageEvent {
			t.Fatalf("frame=%+v", f)
		}
		if f.Event != tc.event {
			t.Fatalf("event=%q, want %q", f.Event, tc.event)
		}
		wantData, _ := json.Marshal(tc.data)
		if string(f.Data) != string(wantData) {
			t.Fatalf("data=%s, want %s", f.Data, wantData)
		}
	}
}

func TestDecode_TransportPackets(t *testing.T) {
	for raw, want := range map[string]PacketType{"2": PacketPing, "3": PacketPong, "6": PacketNoop, "1": PacketClose, "2payload": PacketPing} {
		f, err := Decode([]byte(raw), 0)
		if err != nil {
			t.Fatalf("Decode(%q) error = %v", raw, err)
		}
		if f.Packet != want || f.HasMessage {
			t.Fatalf("Decode(%q)=%+v, want packet %v", raw, f, want)
		}
	}

	open, err := EncodeOpen(OpenPayload{SID: "s1", PingInterval: 25000, PingTimeout: 20000, MaxPayload: DefaultMaxPayload})
	if err != nil {
		t.Fatalf("EncodeOpen() error = %v", err)
	}
	f, err := Decode(open, 0)
	if err != nil {
		t.Fatalf("Decode(open) error = %v", err)
	}
	var p OpenPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("open payload: %v", err)
	}
	if p.SID != "s1" || p.PingInterval != 25000 || p.Upgrades == nil {
		t.Fatalf("open=%+v", p)
	}
}

func TestDecode_NamespaceAndAckID(t *testing.T) {
	f, err := Decode([]byte(`42/kids,17["conversation:text",{"text":"yo"}]`), 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Namespace != "/kids" {
		t.Fatalf("namespace=%q", f.Namespace)
	}
	if f.AckID == nil || *f.AckID != 17 {
		t.Fatalf("ackID=%v", f.AckID)
	}
	if f.Event != EventConversationText {
		t.Fatalf("event=%q", f.Event)
	}
}

func TestDecode_ConnectWithAuth(t *testing.T) {
	raw, err := EncodeConnect(ConnectAuth{Token: "tok"})
	if err != nil {
		t.Fatalf("EncodeConnect() error = %v", err)
	}
	f, err := Decode(raw, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Message != MessageConnect {
		t.Fatalf("message=%v", f.Message)
	}
	var auth ConnectAuth
	if err := DecodeData(f.Data, &auth); err != nil || auth.Token != "tok" {
		t.Fatalf("auth=%+v err=%v", auth, err)
	}

	bare, err := Decode([]byte("40"), 0)
	if err != nil || bare.Message != MessageConnect || bare.Data != nil {
		t.Fatalf("bare connect=%+v err=%v", bare, err)
	}
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string]string{
		"":                 "empty_frame",
		"9":                "unknown_packet",
		"4":                "unknown_message",
		"4x":               "unknown_message",
		"45[]":             "unknown_message",
		"42{}":             "bad_event",
		"42[]":             "bad_event",
		"42[1,2]":          "bad_event",
		`42["a",`:          "bad_event",
		`42[""]`:           "bad_event",
		`40{"token":`:      "bad_event",
	}
	for raw, code := range cases {
		_, err := Decode([]byte(raw), 0)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("Decode(%q) error = %v, want *DecodeError", raw, err)
		}
		if de.Code != code {
			t.Fatalf("Decode(%q) code=%q, want %q", raw, de.Code, code)
		}
	}
}

func TestDecode_PayloadLimit(t *testing.T) {
	big := `42["conversation:voice",{"audio":"` + strings.Repeat("A", 1024) + `"}]`
	_, err := Decode([]byte(big), 512)
	var de *DecodeError
	if !errors.As(err, &de) || de.Code != "payload_too_large" {
		t.Fatalf("err=%v, want payload_too_large", err)
	}
	if _, err := Decode([]byte(big), 0); err != nil {
		t.Fatalf("unlimited Decode() error = %v", err)
	}
}

func TestTurnResponse_Redacted(t *testing.T) {
	audio := "AAAA"
	url := "https://cdn/a.mp3"
	resp := TurnResponse{
		ConversationID: "c1",
		ChildMessage:   &MessageView{Role: "child", Text: "hi", Metadata: map[string]any{"k": 1}},
		AvatarMessage:  MessageView{Role: "avatar", Text: "hello", AudioURL: &url, AudioData: &audio, Metadata: map[string]any{"raw": "x"}},
	}
	red := resp.Redacted()
	if red.AvatarMessage.AudioData != nil || red.AvatarMessage.Metadata != nil || red.ChildMessage.Metadata != nil {
		t.Fatalf("redacted=%+v", red)
	}
	if red.AvatarMessage.AudioURL == nil || red.AvatarMessage.Text != "hello" {
		t.Fatalf("redaction dropped visible fields: %+v", red.AvatarMessage)
	}
	if resp.AvatarMessage.AudioData == nil || resp.ChildMessage.Metadata == nil {
		t.Fatalf("Redacted() mutated the original")
	}
}
