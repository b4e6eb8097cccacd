package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/andreyvit/docdb/internal/config"
)

func run(t testing.TB, dbPath, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(config.NewViper())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--db", dbPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t testing.TB, dbPath, stdin string, args ...string) string {
	t.Helper()
	out, err := run(t, dbPath, stdin, args...)
	if err != nil {
		t.Fatalf("docdb %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestCLI_putGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.docdb")

	out := mustRun(t, path, "", "put", "doc1", `{"name":"Alice","age":30}`)
	fields := strings.Fields(out)
	if len(fields) != 2 || fields[0] != "doc1" || !strings.HasPrefix(fields[1], "1-") {
		t.Fatalf("put output = %q, wanted doc1 1-...", out)
	}
	rev1 := fields[1]

	out = mustRun(t, path, "", "get", "doc1")
	if !strings.Contains(out, `"name": "Alice"`) || !strings.Contains(out, rev1) {
		t.Errorf("get output = %q, wanted name and %s", out, rev1)
	}

	if _, err := run(t, path, `{"name":"Bob"}`, "put", "doc1"); err == nil {
		t.Errorf("put without parent succeeded, wanted conflict")
	}
	out = mustRun(t, path, `{"name":"Bob"}`, "put", "doc1", "-", "--rev", rev1)
	if !strings.Contains(out, " 2-") {
		t.Errorf("second put output = %q, wanted generation 2", out)
	}

	out = mustRun(t, path, "", "delete", "doc1")
	if !strings.Contains(out, "deleted") {
		t.Errorf("delete output = %q", out)
	}

	out = mustRun(t, path, "", "all-docs")
	if strings.TrimSpace(out) != "" {
		t.Errorf("all-docs = %q, wanted empty", out)
	}
	out = mustRun(t, path, "", "all-docs", "--include-deleted")
	if !strings.Contains(out, "doc1 3-") || !strings.Contains(out, "deleted") {
		t.Errorf("all-docs --include-deleted = %q, wanted doc1 tombstone", out)
	}

	out = mustRun(t, path, "", "changes", "--since", "1")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "2 doc1 2-") || !strings.HasSuffix(lines[1], "deleted") {
		t.Errorf("changes --since 1 = %q", out)
	}
}

func TestCLI_purgeAndCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.docdb")
	mustRun(t, path, "", "put", "a", `{"x":1}`)
	mustRun(t, path, "", "put", "b", `{"x":2}`)

	out := mustRun(t, path, "", "purge", "a", "zzz")
	if out != "a purged\nzzz not found\n" {
		t.Errorf("purge output = %q", out)
	}
	out = mustRun(t, path, "", "all-docs")
	if !strings.HasPrefix(out, "b 1-") || strings.Contains(out, "a 1-") {
		t.Errorf("all-docs after purge = %q", out)
	}

	out = mustRun(t, path, "", "compact")
	if !strings.HasPrefix(out, "pruned ") {
		t.Errorf("compact output = %q", out)
	}
	out = mustRun(t, path, "", "info")
	if !strings.Contains(out, "documents: 1\n") {
		t.Errorf("info output = %q, wanted 1 document", out)
	}
}

func TestCLI_local(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.docdb")
	out := mustRun(t, path, "", "local", "put", "checkpoint", `{"seq":5}`)
	if out != "checkpoint 1-local\n" {
		t.Errorf("local put = %q, wanted checkpoint 1-local", out)
	}
	out = mustRun(t, path, "", "local", "get", "checkpoint")
	if !strings.Contains(out, `"seq": 5`) {
		t.Errorf("local get = %q", out)
	}
	mustRun(t, path, "", "local", "delete", "checkpoint")
	if _, err := run(t, path, "", "local", "get", "checkpoint"); err == nil {
		t.Errorf("local get after delete succeeded")
	}
	if out := mustRun(t, path, "", "changes"); out != "" {
		t.Errorf("changes = %q, wanted none for local docs", out)
	}
}

func TestCLI_dumpYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.docdb")
	mustRun(t, path, "", "put", "doc1", `{"tags":["a","b"]}`)
	mustRun(t, path, "", "put", "doc2", `{"n":1}`)
	mustRun(t, path, "", "delete", "doc2")

	out := mustRun(t, path, "", "dump", "--format", "yaml")
	var df dumpFile
	if err := yaml.Unmarshal([]byte(out), &df); err != nil {
		t.Fatalf("dump is not YAML: %v\n%s", err, out)
	}
	if df.LastSeq != 3 {
		t.Errorf("last_seq = %d, wanted 3", df.LastSeq)
	}
	if len(df.Documents) != 2 {
		t.Fatalf("documents = %d, wanted 2", len(df.Documents))
	}
	if d := df.Documents[0]; d.ID != "doc1" || d.Deleted || len(d.Properties) != 1 {
		t.Errorf("documents[0] = %+v", d)
	}
	if d := df.Documents[1]; d.ID != "doc2" || !d.Deleted {
		t.Errorf("documents[1] = %+v, wanted deleted doc2", d)
	}

	out = mustRun(t, path, "", "dump")
	if !strings.Contains(out, `"doc1"`) {
		t.Errorf("text dump does not mention doc1:\n%s", out)
	}
	if _, err := run(t, path, "", "dump", "--format", "xml"); err == nil {
		t.Errorf("dump --format xml succeeded")
	}
}

func TestCLI_requiresPath(t *testing.T) {
	if _, err := run(t, "", "", "info"); err == nil {
		t.Errorf("info without --db succeeded")
	}
}
