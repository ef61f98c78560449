package skills

import (
	"strings"
	"testing"
)

func TestParseMention(t *testing.T) {
	tests := []struct {
		token   string
		wantNS  string
		wantNm  string
		wantErr bool
	}{
		{token: "$[dev].deploy", wantNS: "dev", wantNm: "deploy"},
		{token: "$[dev:ops].deploy", wantNS: "dev:ops", wantNm: "deploy"},
		{token: "$[a1:b2:c3:d4:e5:f6:g7].run-all", wantNS: "a1:b2:c3:d4:e5:f6:g7", wantNm: "run-all"},
		{token: "$[a1:b2:c3:d4:e5:f6:g7:h8].deploy", wantErr: true},
		{token: "$[a].deploy", wantErr: true},
		{token: "$[ab].deploy", wantNS: "ab", wantNm: "deploy"},
		{token: "$[dev].d", wantErr: true},
		{token: "$[Dev].deploy", wantErr: true},
		{token: "$[dev].deploy extra", wantErr: true},
		{token: "$[dev.deploy", wantErr: true},
		{token: "$[-dev].deploy", wantErr: true},
		{token: "$[dev-].deploy", wantErr: true},
		{token: "$[" + strings.Repeat("a", 64) + "].deploy", wantNS: strings.Repeat("a", 64), wantNm: "deploy"},
		{token: "$[" + strings.Repeat("a", 65) + "].deploy", wantErr: true},
	}
	for _, tt := range tests {
		m, err := ParseMention(tt.token)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMention(%q): expected error, got %+v", tt.token, m)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMention(%q): %v", tt.token, err)
			continue
		}
		if m.Namespace() != tt.wantNS || m.Name != tt.wantNm {
			t.Errorf("ParseMention(%q) = (%q, %q), want (%q, %q)",
				tt.token, m.Namespace(), m.Name, tt.wantNS, tt.wantNm)
		}
	}
}

func TestMentionOrderSignificant(t *testing.T) {
	ab, err := ParseMention("$[aa:bb].deploy")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ba, err := ParseMention("$[bb:aa].deploy")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ab.Namespace() == ba.Namespace() {
		t.Fatal("segment order must be significant")
	}
}

func TestExtractMentions(t *testing.T) {
	text := "Use $[dev].deploy first, then $[dev:ops].rollback. " +
		"Ignore $[BAD].thing and $[x].y entirely. $[dev].deploy again."
	got := ExtractMentions(text)
	if len(got) != 2 {
		t.Fatalf("expected 2 mentions, got %d: %v", len(got), got)
	}
	if got[0].String() != "$[dev].deploy" {
		t.Errorf("first mention = %q", got[0].String())
	}
	if got[1].String() != "$[dev:ops].rollback" {
		t.Errorf("second mention = %q", got[1].String())
	}
}

func TestExtractMentionsEmpty(t *testing.T) {
	if got := ExtractMentions("no mentions here, not even $[].x"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}
