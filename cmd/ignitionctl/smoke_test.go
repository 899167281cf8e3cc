package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"ignition/lang"
	"ignition/model"
	"ignition/protocol"
)

func TestEveryLanguageHasSmokeProgram(t *testing.T) {
	for _, l := range lang.Default().Languages() {
		if _, ok := smokePrograms[l]; !ok {
			t.Errorf("no smoke program for %s", l)
		}
	}
	for l := range smokePrograms {
		if _, ok := lang.Default().Lookup(l); !ok {
			t.Errorf("smoke program for unknown language %s", l)
		}
	}
}

func TestRunSmoke(t *testing.T) {
	send := func(req model.ProcessRequest) (model.ProcessReply, error) {
		switch req.Language {
		case "python":
			resp := protocol.NewResponse([]byte("hello world!\n"), nil, 10)
			return model.NewProcessReply(protocol.StatusSuccess, &resp), nil
		case "go":
			return model.NewProcessReply(protocol.StatusTimeout, nil), nil
		default:
			return model.ProcessReply{}, errors.New("nats: timeout")
		}
	}

	results := runSmoke([]string{"go", "python", "c", "cobol"}, send)
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	if results[1].language != "python" || results[1].reply.Status != "success" {
		t.Errorf("python result = %+v", results[1])
	}
	if results[3].err == nil {
		t.Error("expected error for language without smoke program")
	}

	var out bytes.Buffer
	failed := printSmoke(&out, results)
	if failed != 3 {
		t.Errorf("failed = %d, want 3", failed)
	}
	if !strings.Contains(out.String(), `"hello world!"`) {
		t.Errorf("output missing python stdout:\n%s", out.String())
	}
}

func TestPrintReply(t *testing.T) {
	stderr := "warning\n"
	out := "42\n"
	reply := model.NewProcessReply(protocol.StatusSuccess, &protocol.Response{Stdout: &out, Stderr: &stderr, Duration: 1500})

	var buf bytes.Buffer
	printReply(&buf, reply)
	got := buf.String()
	for _, want := range []string{"success", "(200)", "1.5µs", "42\n", "warning\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
}
