package plugin

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"acople/pkg/message"
	"acople/pkg/pathguard"
)

// writePlugin writes a manifest plus a dummy executable next to it.
func writePlugin(t *testing.T, dir, file, body string) string {
	t.Helper()

	bin := filepath.Join(dir, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bin, "run"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write exec: %v", err)
	}

	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writePlugin(t, dir, "echo.yaml", `
pattern: "echo ?(.*)"
desc: Repeats the text
type: utility
deps: [none]
exec: ./bin/run
args: ["--fast"]
`)

	d, err := Loader{Prefix: "."}.Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if d.Name != "echo" {
		t.Fatalf("name = %q, want file base name", d.Name)
	}
	if d.Sudo {
		t.Fatal("sudo should default to false")
	}
	if filepath.Base(d.ExecPath) != "run" || len(d.Args) != 1 {
		t.Fatalf("exec = %q %v", d.ExecPath, d.Args)
	}
	if d.Desc != "Repeats the text" || d.Type != "utility" || len(d.Deps) != 1 {
		t.Fatalf("metadata = %+v", d)
	}
}

func TestPatternMatchScenario(t *testing.T) {
	t.Parallel()

	pattern, err := CompilePattern(".", "echo ?(.*)")
	if err != nil {
		t.Fatalf("CompilePattern error: %v", err)
	}
	d := &Descriptor{Name: "echo", Pattern: pattern}

	cases := []struct {
		text string
		args string
		ok   bool
	}{
		{".echo hi", "hi", true},
		{".echo", "", true},
		{".ECHO  spaced out ", "spaced out", true},
		{"echo hi", "", false},
		{"x.echo hi", "", false},
		{".echoes", "es", true},
	}
	for _, tc := range cases {
		args, ok := d.Match(tc.text)
		if ok != tc.ok || args != tc.args {
			t.Fatalf("Match(%q) = (%q, %v), want (%q, %v)", tc.text, args, ok, tc.args, tc.ok)
		}
	}

	noGroup, err := CompilePattern("!", "ping|pong")
	if err != nil {
		t.Fatalf("CompilePattern error: %v", err)
	}
	d = &Descriptor{Pattern: noGroup}
	if args, ok := d.Match("!pong"); !ok || args != "" {
		t.Fatalf("Match(!pong) = %q, %v", args, ok)
	}
	if _, ok := d.Match("pong"); ok {
		t.Fatal("alternation must stay behind the prefix")
	}
}

func TestPrefixIsEscaped(t *testing.T) {
	t.Parallel()

	pattern, err := CompilePattern("$", "dice")
	if err != nil {
		t.Fatalf("CompilePattern error: %v", err)
	}
	if !pattern.MatchString("$dice") {
		t.Fatal("literal prefix should match")
	}
}

func TestLoadManifestErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := map[string]string{
		"nopattern.yaml": "exec: ./bin/run\n",
		"badyaml.yaml":   "pattern: [unterminated\n",
		"unknown.yaml":   "pattern: x\nexec: ./bin/run\nsudoo: true\n",
		"badregex.yaml":  "pattern: \"(\"\nexec: ./bin/run\n",
		"noexec.yaml":    "pattern: x\n",
		"missing.yaml":   "pattern: x\nexec: ./bin/absent\n",
		"empty.yaml":     "",
	}

	for file, body := range cases {
		path := writePlugin(t, dir, file, body)
		_, err := Loader{Prefix: "."}.Load(path)

		var invalid *InvalidManifestError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: error = %v, want *InvalidManifestError", file, err)
		}
		if invalid.Path != path {
			t.Fatalf("%s: path = %q", file, invalid.Path)
		}
		if file == "nopattern.yaml" && !errors.Is(err, ErrMissingPattern) {
			t.Fatalf("nopattern: error = %v, want ErrMissingPattern", err)
		}
	}
}

func TestLoadManifestRespectsGuard(t *testing.T) {
	t.Parallel()

	pluginsDir := t.TempDir()
	outside := t.TempDir()
	outsideExec := filepath.Join(outside, "tool")
	if err := os.WriteFile(outsideExec, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	path := writePlugin(t, pluginsDir, "escape.yaml", "pattern: x\nexec: "+outsideExec+"\n")
	guard, err := pathguard.New(pluginsDir, pathguard.Options{Restrict: true})
	if err != nil {
		t.Fatalf("pathguard.New error: %v", err)
	}

	if _, err := (Loader{Prefix: ".", Guard: guard}).Load(path); pathguard.Category(err) != pathguard.ErrorOutsideRoot {
		t.Fatalf("error = %v, want outside_root", err)
	}
}

func TestLoadManifestGuardsPathLookups(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not on PATH")
	}

	pluginsDir := t.TempDir()
	path := writePlugin(t, pluginsDir, "shell.yaml", "pattern: x\nexec: sh\n")

	restricted, err := pathguard.New(pluginsDir, pathguard.Options{Restrict: true})
	if err != nil {
		t.Fatalf("pathguard.New error: %v", err)
	}
	if d, err := (Loader{Prefix: ".", Guard: restricted}).Load(path); pathguard.Category(err) != pathguard.ErrorOutsideRoot {
		t.Fatalf("restricted load = %v, %v; want outside_root", d, err)
	}

	permissive, err := pathguard.New(pluginsDir, pathguard.Options{})
	if err != nil {
		t.Fatalf("pathguard.New error: %v", err)
	}
	d, err := (Loader{Prefix: ".", Guard: permissive}).Load(path)
	if err != nil {
		t.Fatalf("unrestricted load error: %v", err)
	}
	if !filepath.IsAbs(d.ExecPath) {
		t.Fatalf("exec path = %q, want absolute", d.ExecPath)
	}
}

func TestDiscoverOrderAndSkips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlugin(t, dir, "b.yaml", "pattern: b\nexec: ./bin/run\n")
	writePlugin(t, dir, "a.yml", "pattern: a\nexec: ./bin/run\n")
	writePlugin(t, dir, "c.yaml", "exec: ./bin/run\n")
	writePlugin(t, dir, "d.yaml", "pattern: [\n")
	writePlugin(t, dir, "readme.md", "pattern: nope\n")

	descriptors, err := Loader{Prefix: "."}.Discover(dir, nil)
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if len(descriptors) != 2 || descriptors[0].Name != "a" || descriptors[1].Name != "b" {
		t.Fatalf("descriptors = %v", names(descriptors))
	}
}

func TestRegistryOrderAndReplace(t *testing.T) {
	t.Parallel()

	mk := func(name, raw string) *Descriptor {
		pattern, err := CompilePattern(".", raw)
		if err != nil {
			t.Fatalf("CompilePattern: %v", err)
		}
		return &Descriptor{Name: name, FilePath: "/p/" + name + ".yaml", Pattern: pattern, RawPattern: raw}
	}

	r := NewRegistry(mk("first", "e(.*)"), mk("second", "echo (.*)"))
	if d, args, ok := r.Match(".echo hi"); !ok || d.Name != "first" || args != "cho hi" {
		t.Fatalf("first match should win: %v %q %v", d, args, ok)
	}

	if replaced := r.Register(mk("first", "x")); !replaced {
		t.Fatal("expected replace")
	}
	if got := names(r.List()); len(got) != 2 || got[0] != "first" {
		t.Fatalf("replace should keep position: %v", got)
	}
	if d, _, ok := r.Match(".echo hi"); !ok || d.Name != "second" {
		t.Fatalf("replaced pattern should no longer match: %v", d)
	}

	if d, ok := r.ByFile("/p/second.yaml"); !ok || d.Name != "second" {
		t.Fatal("ByFile lookup failed")
	}
	if !r.Unregister("first") || r.Unregister("first") {
		t.Fatal("Unregister should succeed once")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestDecodeEventIsExhaustive(t *testing.T) {
	t.Parallel()

	original := message.New("telegram", "telegram-1", message.EventMessage)
	original.Conversation.ID = "1"
	original.Message = &message.Body{ID: "5", Text: ".echo hi"}

	for _, event := range []WorkerEvent{
		LogEvent{Message: "working"},
		ResponseEvent{Original: original, Text: "hi"},
		ErrorEvent{Message: "boom"},
		ErrorEvent{Message: "boom", Original: original},
	} {
		line, err := EncodeEvent(event)
		if err != nil {
			t.Fatalf("EncodeEvent(%T) error: %v", event, err)
		}
		decoded, err := DecodeEvent(line)
		if err != nil {
			t.Fatalf("DecodeEvent(%s) error: %v", line, err)
		}
		switch ev := decoded.(type) {
		case LogEvent:
			if ev.Message != "working" {
				t.Fatalf("log = %+v", ev)
			}
		case ResponseEvent:
			if ev.Text != "hi" || ev.Original.UniversalID != original.UniversalID {
				t.Fatalf("response = %+v", ev)
			}
		case ErrorEvent:
			if ev.Message != "boom" {
				t.Fatalf("error = %+v", ev)
			}
		}
	}

	for _, bad := range []string{`{"type":"progress"}`, `{"type":"response"}`, `not json`} {
		if _, err := DecodeEvent([]byte(bad)); err == nil {
			t.Fatalf("expected decode error for %s", bad)
		}
	}

	wire := `{"type":"response","originalMessage":null,"response":{"text":"ok","attachments":[{"type":"image","fileUrl":"http://x"}]}}`
	decoded, err := DecodeEvent([]byte(wire))
	if err != nil {
		t.Fatalf("DecodeEvent error: %v", err)
	}
	if resp := decoded.(ResponseEvent); resp.Text != "ok" || len(resp.Attachments) != 1 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestPolicy(t *testing.T) {
	t.Parallel()

	bridged := func(adapterID, chatID string) bool { return adapterID == "telegram-1" && chatID == "200" }
	setvar := &Descriptor{Name: "setvar", Sudo: true}
	dice := &Descriptor{Name: "dice"}
	admin := &Descriptor{Name: "cmd", Sudo: true}

	msg := func(author, adapterID, chatID string) *message.UniversalMessage {
		m := message.New("x", adapterID, message.EventMessage)
		m.Conversation.ID = chatID
		m.Author.ID = author
		return m
	}

	bootstrap := NewPolicy(nil, "", bridged)
	if err := bootstrap.Allow(setvar, msg("anyone", "telegram-1", "1")); err != nil {
		t.Fatalf("bootstrap plugin should run: %v", err)
	}
	if err := bootstrap.Allow(dice, msg("anyone", "telegram-1", "200")); !errors.Is(err, ErrDenied) {
		t.Fatalf("bootstrap-only mode should deny dice: %v", err)
	}

	p := NewPolicy([]string{" 42 ", ""}, "", bridged)
	if p.BootstrapOnly() {
		t.Fatal("sudo users are configured")
	}
	if err := p.Allow(admin, msg("7", "telegram-1", "200")); !errors.Is(err, ErrDenied) {
		t.Fatalf("sudo plugin must be denied to non-sudo user: %v", err)
	}
	if err := p.Allow(admin, msg("42", "discord-1", "9")); err != nil {
		t.Fatalf("sudo user should run sudo plugin: %v", err)
	}
	if err := p.Allow(dice, msg("7", "telegram-1", "200")); err != nil {
		t.Fatalf("anyone may run non-sudo plugins in bridged chats: %v", err)
	}
	if err := p.Allow(dice, msg("7", "telegram-1", "201")); !errors.Is(err, ErrDenied) {
		t.Fatalf("non-sudo user outside bridged chats must be denied: %v", err)
	}
	if err := p.Allow(dice, msg("42", "telegram-1", "201")); err != nil {
		t.Fatalf("sudo user runs non-sudo plugins anywhere: %v", err)
	}
}

func names(descriptors []*Descriptor) []string {
	out := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d.Name)
	}
	return out
}
