package events

import (
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"

	"paystream/internal/models"
)

const testSecret = "5c0c523f52a5b6fad39ed2403092df8cebc36318b39383bca6c00808626fab3a"

var fixedNow = time.Date(2024, 5, 4, 18, 30, 0, 0, time.UTC)

func newTestSynthesizer(t *testing.T) *Synthesizer {
	t.Helper()
	identity, err := ParseIdentity(testSecret)
	if err != nil {
		t.Fatalf("ParseIdentity: %v", err)
	}
	synth, err := NewSynthesizer(Config{
		Identity: identity,
		Relays:   []string{"wss://relay.one", "wss://relay.two"},
		APIBase:  "https://api.example.com/",
		DataBase: "https://data.example.com",
		Clock:    func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}
	return synth
}

func baseSession(state models.SessionState) models.Session {
	ended := fixedNow
	return models.Session{
		ID:        "7f0c2c1e-7b6c-4e36-9d2c-2f4d7a0f9b10",
		OwnerKey:  strings.Repeat("ab", 32),
		State:     state,
		StartedAt: fixedNow.Add(-time.Hour),
		EndedAt:   &ended,
		Metadata: models.Metadata{
			Title:          "Late night coding",
			Summary:        "Go all the way down",
			Thumbnail:      "https://data.example.com/thumb.jpg",
			Tags:           "Go, coding ,go,,Music",
			ContentWarning: "language",
			Goal:           "goal-event-id",
		},
	}
}

func tagMap(ev *nostr.Event) map[string][]string {
	out := make(map[string][]string)
	for _, tag := range ev.Tags {
		if len(tag) == 0 {
			continue
		}
		out[tag[0]] = append(out[tag[0]], strings.Join(tag[1:], "|"))
	}
	return out
}

func TestStatusEventImageFallbacks(t *testing.T) {
	synth := newTestSynthesizer(t)
	cases := []struct {
		name      string
		image     string
		thumbnail string
		fallback  string
		want      string
	}{
		{"explicit image", "https://img/explicit.png", "https://img/thumb.png", "https://img/owner.png", "https://img/explicit.png"},
		{"thumbnail", "", "https://img/thumb.png", "https://img/owner.png", "https://img/thumb.png"},
		{"owner default", "", "", "https://img/owner.png", "https://img/owner.png"},
		{"none", "", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session := baseSession(models.SessionPlanned)
			session.Metadata.Image = tc.image
			session.Metadata.Thumbnail = tc.thumbnail
			ev, err := synth.StatusEvent(Snapshot{Session: session, DefaultImage: tc.fallback})
			if err != nil {
				t.Fatalf("StatusEvent: %v", err)
			}
			if got, _ := TagValue(ev, "image"); got != tc.want {
				t.Fatalf("expected image %q, got %q", tc.want, got)
			}
		})
	}
}

func TestStatusEventLiveIncludesPlaybackAndViewers(t *testing.T) {
	synth := newTestSynthesizer(t)
	session := baseSession(models.SessionLive)

	ev, err := synth.StatusEvent(Snapshot{Session: session, Viewers: 42})
	if err != nil {
		t.Fatalf("StatusEvent: %v", err)
	}
	tags := tagMap(ev)

	if ev.Kind != KindLiveEvent || ev.Content != "" {
		t.Fatalf("unexpected kind/content %d %q", ev.Kind, ev.Content)
	}
	if got := tags["streaming"]; len(got) != 1 || got[0] != "https://data.example.com/stream/"+session.ID+".m3u8" {
		t.Fatalf("unexpected streaming tag %v", got)
	}
	if got := tags["current_participants"]; len(got) != 1 || got[0] != "42" {
		t.Fatalf("unexpected viewer tag %v", got)
	}
	if got := tags["content-warning"]; len(got) != 1 || got[0] != "language" {
		t.Fatalf("expected content warning, got %v", got)
	}
	if got := tags["status"]; got[0] != "live" {
		t.Fatalf("expected live status, got %v", got)
	}
	if got := tags["image"]; got[0] != session.Metadata.Thumbnail {
		t.Fatalf("expected thumbnail fallback for image, got %v", got)
	}
	if got := tags["service"]; got[0] != "https://api.example.com/api/nostr" {
		t.Fatalf("unexpected service tag %v", got)
	}
	if got := tags["p"]; got[0] != session.OwnerKey+"||host" {
		t.Fatalf("unexpected host tag %v", got)
	}
	if got := tags["relays"]; got[0] != "wss://relay.one|wss://relay.two" {
		t.Fatalf("unexpected relays tag %v", got)
	}
	if got := tags["t"]; strings.Join(got, ",") != "go,coding,music" {
		t.Fatalf("unexpected topics %v", got)
	}
	if _, ok := tags["recording"]; ok {
		t.Fatal("live event must not carry a recording tag")
	}
	if _, ok := tags["ends"]; ok {
		t.Fatal("live event must not carry an ends tag")
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		t.Fatalf("expected valid signature, ok=%v err=%v", ok, err)
	}
	if ev.PubKey != synth.PubKey() {
		t.Fatalf("expected event signed by service key")
	}
}

func TestStatusEventEndedRecordingOnlyWithDVR(t *testing.T) {
	synth := newTestSynthesizer(t)
	session := baseSession(models.SessionEnded)

	plain, err := synth.StatusEvent(Snapshot{Session: session, Endpoint: models.IngestEndpoint{App: "basic"}})
	if err != nil {
		t.Fatalf("StatusEvent: %v", err)
	}
	tags := tagMap(plain)
	if _, ok := tags["recording"]; ok {
		t.Fatal("non-DVR endpoint must not advertise a recording")
	}
	if _, ok := tags["streaming"]; ok {
		t.Fatal("ended event must not carry a streaming tag")
	}
	if _, ok := tags["current_participants"]; ok {
		t.Fatal("ended event must not carry a viewer count")
	}
	if got := tags["ends"]; len(got) != 1 || got[0] != "1714847400" {
		t.Fatalf("unexpected ends tag %v", got)
	}

	dvr, err := synth.StatusEvent(Snapshot{
		Session:  session,
		Endpoint: models.IngestEndpoint{Capabilities: []string{models.CapabilityDVRSource}},
	})
	if err != nil {
		t.Fatalf("StatusEvent: %v", err)
	}
	if got := tagMap(dvr)["recording"]; len(got) != 1 || got[0] != "https://data.example.com/recording/"+session.ID+".m3u8" {
		t.Fatalf("unexpected recording tag %v", got)
	}
}

func TestStatusEventIsDeterministic(t *testing.T) {
	synth := newTestSynthesizer(t)
	snap := Snapshot{Session: baseSession(models.SessionLive), Viewers: 3}

	first, err := synth.StatusEvent(snap)
	if err != nil {
		t.Fatalf("StatusEvent: %v", err)
	}
	second, err := synth.StatusEvent(snap)
	if err != nil {
		t.Fatalf("StatusEvent: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected identical event ids, got %s and %s", first.ID, second.ID)
	}
}

func TestViewerCountRoundTrip(t *testing.T) {
	synth := newTestSynthesizer(t)
	ev, err := synth.StatusEvent(Snapshot{Session: baseSession(models.SessionLive), Viewers: 7})
	if err != nil {
		t.Fatalf("StatusEvent: %v", err)
	}
	raw, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, ok := ViewerCount(raw); !ok || got != "7" {
		t.Fatalf("expected viewer count 7, got %q ok=%v", got, ok)
	}
	if _, ok := ViewerCount(""); ok {
		t.Fatal("expected no count for empty event")
	}
	if _, ok := ViewerCount("{not json"); ok {
		t.Fatal("expected no count for malformed event")
	}
}

func TestChatMessageReferencesSession(t *testing.T) {
	synth := newTestSynthesizer(t)
	ev, err := synth.ChatMessage("session-1", "hello")
	if err != nil {
		t.Fatalf("ChatMessage: %v", err)
	}
	if ev.Kind != KindLiveChat {
		t.Fatalf("expected chat kind, got %d", ev.Kind)
	}
	want := "30311:" + synth.PubKey() + ":session-1"
	if got, _ := TagValue(ev, "a"); got != want {
		t.Fatalf("expected address %q, got %q", want, got)
	}
}

func TestDirectMessageDecryptsForRecipient(t *testing.T) {
	synth := newTestSynthesizer(t)
	recipientSecret := nostr.GeneratePrivateKey()
	recipientPub, err := nostr.GetPublicKey(recipientSecret)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}

	ev, err := synth.DirectMessage(recipientPub, "You paid 10 sats for this stream!")
	if err != nil {
		t.Fatalf("DirectMessage: %v", err)
	}
	if got, _ := TagValue(ev, "p"); got != recipientPub {
		t.Fatalf("expected p tag %s, got %s", recipientPub, got)
	}
	shared, err := nip04.ComputeSharedSecret(synth.PubKey(), recipientSecret)
	if err != nil {
		t.Fatalf("ComputeSharedSecret: %v", err)
	}
	plain, err := nip04.Decrypt(ev.Content, shared)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "You paid 10 sats for this stream!" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestParseIdentityRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "zz", strings.Repeat("0", 63), "nsec1invalid"} {
		if _, err := ParseIdentity(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestSplitTopics(t *testing.T) {
	got := SplitTopics(" Bitcoin,ART, bitcoin , ,Straße")
	want := []string{"bitcoin", "art", "straße"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if SplitTopics("  ") != nil {
		t.Fatal("expected nil topics for blank input")
	}
}

func TestNaddrEncodesSessionAddress(t *testing.T) {
	synth := newTestSynthesizer(t)
	naddr, err := synth.Naddr("session-1")
	if err != nil {
		t.Fatalf("Naddr: %v", err)
	}
	prefix, value, err := nip19.Decode(naddr)
	if err != nil {
		t.Fatalf("decode naddr: %v", err)
	}
	if prefix != "naddr" {
		t.Fatalf("expected naddr prefix, got %q", prefix)
	}
	ptr, ok := value.(nostr.EntityPointer)
	if !ok {
		t.Fatalf("unexpected pointer type %T", value)
	}
	if ptr.PublicKey != synth.PubKey() || ptr.Kind != KindLiveEvent || ptr.Identifier != "session-1" {
		t.Fatalf("unexpected pointer %+v", ptr)
	}
}

func TestNpubFallsBackToHex(t *testing.T) {
	synth := newTestSynthesizer(t)
	if got := Npub(synth.PubKey()); !strings.HasPrefix(got, "npub1") {
		t.Fatalf("expected npub, got %q", got)
	}
	if got := Npub("not-hex"); got != "not-hex" {
		t.Fatalf("expected fallback to input, got %q", got)
	}
}

func TestStatusEventListsGuests(t *testing.T) {
	synth := newTestSynthesizer(t)
	session := baseSession(models.SessionLive)
	session.Guests = []models.Guest{
		{SessionID: session.ID, PubKey: strings.Repeat("cd", 32), Role: "co-host", ZapSplit: 0.5},
		{SessionID: session.ID, PubKey: strings.Repeat("ef", 32), Relay: "wss://relay.one", Role: "speaker", Sig: "proof"},
	}
	ev, err := synth.StatusEvent(Snapshot{Session: session, Viewers: 1})
	if err != nil {
		t.Fatalf("StatusEvent: %v", err)
	}
	var people []nostr.Tag
	for _, tag := range ev.Tags {
		if tag[0] == "p" {
			people = append(people, tag)
		}
	}
	if len(people) != 3 {
		t.Fatalf("expected host and two guests, got %v", people)
	}
	if people[1][1] != strings.Repeat("cd", 32) || people[1][3] != "co-host" {
		t.Fatalf("unexpected guest tag %v", people[1])
	}
	if len(people[2]) != 5 || people[2][4] != "proof" {
		t.Fatalf("expected proof on second guest, got %v", people[2])
	}
}
