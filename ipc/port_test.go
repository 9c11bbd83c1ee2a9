package ipc

import (
	"testing"

	"microkernel/kerr"
)

func TestSendThenReceive(t *testing.T) {
	m := NewManager()
	p := m.CreatePort(1)

	if err := p.Send(Message{SenderTaskID: 2, ChannelTag: 7, Payload: []byte("hi")}); err != kerr.SUCCESS {
		t.Fatalf("Send: %v", err)
	}

	has, _, err := p.GetMessageInfo(1, FlagNone)
	if err != kerr.SUCCESS || !has {
		t.Fatalf("GetMessageInfo: has=%v err=%v", has, err)
	}

	msg, err := p.GetFirstMessage(1, FlagPop)
	if err != kerr.SUCCESS {
		t.Fatalf("GetFirstMessage: %v", err)
	}
	if msg.ChannelTag != 7 || string(msg.Payload) != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if _, err := p.GetFirstMessage(1, FlagPop); err != kerr.ERROR_NO_MESSAGES {
		t.Fatalf("expected ERROR_NO_MESSAGES after pop, got %v", err)
	}
}

func TestGetFirstMessageNoPopPeeks(t *testing.T) {
	m := NewManager()
	p := m.CreatePort(1)
	p.Send(Message{ChannelTag: 1})

	if _, err := p.GetFirstMessage(1, FlagNoPop); err != kerr.SUCCESS {
		t.Fatalf("peek: %v", err)
	}
	if p.Depth() != 1 {
		t.Fatalf("NoPop should not consume the message, depth=%d", p.Depth())
	}
}

func TestBlockingReceiverWokenBySend(t *testing.T) {
	m := NewManager()
	p := m.CreatePort(1)

	has, wait, err := p.GetMessageInfo(1, FlagNone)
	if has || err != kerr.SUCCESS || wait == nil {
		t.Fatalf("expected a wait channel, got has=%v err=%v wait=%v", has, err, wait)
	}

	done := make(chan struct{})
	go func() {
		<-wait
		close(done)
	}()

	if err := p.Send(Message{ChannelTag: 9}); err != kerr.SUCCESS {
		t.Fatalf("Send: %v", err)
	}
	<-done

	msg, err := p.GetFirstMessage(1, FlagPop)
	if err != kerr.SUCCESS || msg.ChannelTag != 9 {
		t.Fatalf("unexpected post-wake message: %+v err=%v", msg, err)
	}
}

func TestGetMessageInfoNoBlockReturnsImmediately(t *testing.T) {
	m := NewManager()
	p := m.CreatePort(1)
	if _, _, err := p.GetMessageInfo(1, FlagNoBlock); err != kerr.ERROR_NO_MESSAGES {
		t.Fatalf("expected ERROR_NO_MESSAGES, got %v", err)
	}
}

func TestSecondBlockedReceiverRejected(t *testing.T) {
	m := NewManager()
	p := m.CreatePort(1)
	if _, _, err := p.GetMessageInfo(1, FlagNone); err != kerr.SUCCESS {
		t.Fatalf("first receiver: %v", err)
	}
	if _, _, err := p.GetMessageInfo(2, FlagNone); err != kerr.ERROR_ALREADY_BLOCKED {
		t.Fatalf("expected ERROR_ALREADY_BLOCKED, got %v", err)
	}
}

func TestDestroyPortClosesAndDrops(t *testing.T) {
	m := NewManager()
	p := m.CreatePort(1)
	m.DestroyPort(p.ID)

	if !p.Closed() {
		t.Fatal("port should be closed")
	}
	if err := p.Send(Message{}); err != kerr.ERROR_PORT_CLOSED {
		t.Fatalf("Send on closed port: %v", err)
	}
	if _, ok := m.Port(p.ID); ok {
		t.Fatal("destroyed port should no longer be registered")
	}
}

func TestGetFirstMessageRejectsNonOwner(t *testing.T) {
	m := NewManager()
	p := m.CreatePort(1)
	p.Send(Message{ChannelTag: 1})

	if _, err := p.GetFirstMessage(2, FlagPop); err != kerr.ERROR_NO_PERMISSION {
		t.Fatalf("expected ERROR_NO_PERMISSION for non-owner, got %v", err)
	}
	if p.Depth() != 1 {
		t.Fatal("rejected call should not have consumed the message")
	}
}

func TestCancelWaitClearsBlockedReceiver(t *testing.T) {
	m := NewManager()
	p := m.CreatePort(1)
	_, wait, _ := p.GetMessageInfo(5, FlagNone)
	if wait == nil {
		t.Fatal("expected a wait channel")
	}

	m.CancelWait(p.ID, 5)

	// A second task can now become the blocked receiver; if the first
	// were still registered this would fail with ERROR_ALREADY_BLOCKED.
	if _, _, err := p.GetMessageInfo(6, FlagNone); err != kerr.SUCCESS {
		t.Fatalf("expected the cancelled receiver's slot to be free, got %v", err)
	}
}

func TestSendWakesOnlyRegisteredReceiver(t *testing.T) {
	m := NewManager()
	p := m.CreatePort(1)
	has, wait, _ := p.GetMessageInfo(5, FlagNone)
	if has {
		t.Fatal("should not have a message yet")
	}
	p.Send(Message{ChannelTag: 1})
	select {
	case <-wait:
	default:
		t.Fatal("wait channel should have fired")
	}
}
