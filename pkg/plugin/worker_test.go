package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"acople/pkg/message"
)

// TestHelperProcess is not a real test. It is the plugin process spawned by
// the worker tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	fmt.Fprintln(os.Stderr, "helper ready")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var inv Invocation
		if err := json.Unmarshal(scanner.Bytes(), &inv); err != nil {
			os.Exit(2)
		}
		if inv.Args == "crash" {
			os.Exit(3)
		}

		for _, event := range []WorkerEvent{
			LogEvent{Message: "working on " + inv.Args},
			ResponseEvent{Original: inv.Message, Text: "helper:" + inv.Args},
		} {
			line, err := EncodeEvent(event)
			if err != nil {
				os.Exit(2)
			}
			fmt.Println(string(line))
		}
		fmt.Println("this line is not an event")
	}
	os.Exit(0)
}

func helperDescriptor(t *testing.T) *Descriptor {
	t.Helper()
	return &Descriptor{
		Name:     "helper",
		FilePath: filepath.Join(t.TempDir(), "helper.yaml"),
		ExecPath: os.Args[0],
		Args:     []string{"-test.run=TestHelperProcess", "--"},
	}
}

func helperLauncher() ProcessLauncher {
	return ProcessLauncher{Env: []string{"GO_WANT_HELPER_PROCESS=1"}}
}

func nextEvent(t *testing.T, w Worker) (WorkerEvent, bool) {
	t.Helper()
	select {
	case event, ok := <-w.Events():
		return event, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker event")
	}
	return nil, false
}

func invocation(args string) Invocation {
	msg := message.New("telegram", "telegram-1", message.EventMessage)
	msg.Conversation.ID = "1"
	msg.Message = &message.Body{ID: "10", Text: ".helper " + args}
	return Invocation{Message: msg, Args: args, FullContext: msg}
}

func TestProcessWorkerRoundTrip(t *testing.T) {
	t.Parallel()

	w, err := helperLauncher().Launch(context.Background(), helperDescriptor(t))
	if err != nil {
		t.Fatalf("Launch error: %v", err)
	}
	defer func() { _ = w.Terminate() }()

	for _, args := range []string{"one", "two"} {
		inv := invocation(args)
		if err := w.Send(context.Background(), inv); err != nil {
			t.Fatalf("Send error: %v", err)
		}

		event, ok := nextEvent(t, w)
		if log, isLog := event.(LogEvent); !ok || !isLog || log.Message != "working on "+args {
			t.Fatalf("first event = %#v", event)
		}
		event, ok = nextEvent(t, w)
		resp, isResp := event.(ResponseEvent)
		if !ok || !isResp || resp.Text != "helper:"+args {
			t.Fatalf("second event = %#v", event)
		}
		if resp.Original == nil || resp.Original.UniversalID != inv.Message.UniversalID {
			t.Fatalf("original = %+v", resp.Original)
		}
	}
}

func TestProcessWorkerCrash(t *testing.T) {
	t.Parallel()

	w, err := helperLauncher().Launch(context.Background(), helperDescriptor(t))
	if err != nil {
		t.Fatalf("Launch error: %v", err)
	}

	if err := w.Send(context.Background(), invocation("crash")); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if event, ok := nextEvent(t, w); ok {
		t.Fatalf("expected closed events after crash, got %#v", event)
	}
	if w.Err() == nil {
		t.Fatal("expected non-nil exit error")
	}
	if err := w.Terminate(); err != nil {
		t.Fatalf("Terminate after exit should be a no-op: %v", err)
	}
}

func TestProcessWorkerTerminate(t *testing.T) {
	t.Parallel()

	w, err := helperLauncher().Launch(context.Background(), helperDescriptor(t))
	if err != nil {
		t.Fatalf("Launch error: %v", err)
	}

	if err := w.Terminate(); err != nil {
		t.Fatalf("Terminate error: %v", err)
	}
	for {
		if _, ok := nextEvent(t, w); !ok {
			break
		}
	}
	if err := w.Terminate(); err != nil {
		t.Fatalf("second Terminate error: %v", err)
	}
}

func TestLaunchMissingExecutable(t *testing.T) {
	t.Parallel()

	d := helperDescriptor(t)
	d.ExecPath = filepath.Join(t.TempDir(), "absent")
	if _, err := helperLauncher().Launch(context.Background(), d); err == nil {
		t.Fatal("expected start error")
	}
}
