package processor_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/eventstream"
	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/processor"
	"github.com/ucalyptus/open-mem/pkg/registry"
	"github.com/ucalyptus/open-mem/pkg/store"
)

// invocationLog records which agent ran, in order, across goroutines.
type invocationLog struct {
	mu    sync.Mutex
	names []string
}

func (l *invocationLog) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *invocationLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// fakeAgent scripts StartSession behavior for processor tests.
type fakeAgent struct {
	name string
	log  *invocationLog
	// behave runs per StartSession call; the int is the per-agent call count
	// starting at 1.
	behave func(ctx context.Context, sess agent.Session, w *agent.Worker, call int) error

	mu    sync.Mutex
	calls int
}

func (f *fakeAgent) Name() string                   { return f.name }
func (f *fakeAgent) EstimateTokens(text string) int { return agent.EstimateTokens(text) }

func (f *fakeAgent) StartSession(ctx context.Context, sess agent.Session, w *agent.Worker) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	f.log.record(f.name)
	return f.behave(ctx, sess, w, call)
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// drainAll claims and completes every message until the feed finishes,
// writing one observation per observation message.
func drainAll(ctx context.Context, sess agent.Session, w *agent.Worker) error {
	for {
		msg, err := sess.NextMessage(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		var obs []memory.Observation
		if msg.Kind == memory.KindObservation {
			obs = []memory.Observation{{
				SessionID:      msg.SessionID,
				Kind:           "change",
				Title:          "processed " + msg.ToolName,
				CreatedAtEpoch: memory.NowMillis(),
			}}
		}
		if err := w.Store.CompleteMessage(ctx, msg.ID, obs, nil); err != nil {
			return agent.NewTransient("fake", err)
		}
	}
}

var _ = Describe("Processor", func() {
	var (
		ctx context.Context
		st  *store.Store
		reg *registry.Registry
		log *invocationLog
	)

	BeforeEach(func() {
		ctx = context.Background()
		log = &invocationLog{}

		var err error
		st, err = store.Open(store.Config{Path: "file::memory:"}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(st.Close)

		reg, err = registry.New(&registry.Config{
			Store:        st,
			PollInterval: 20 * time.Millisecond,
			Logger:       zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	newProcessor := func(chain ...agent.Agent) *processor.Processor {
		p, err := processor.New(&processor.Config{
			Store:    st,
			Registry: reg,
			Chain:    chain,
			Logger:   zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = p.Shutdown(shutdownCtx)
		})
		return p
	}

	newSession := func(contentID string) *registry.SessionContext {
		sc, err := reg.GetOrCreate(ctx, contentID, "open-mem", "do work")
		Expect(err).NotTo(HaveOccurred())
		return sc
	}

	enqueue := func(sc *registry.SessionContext, tool string) int64 {
		id, err := st.Enqueue(ctx, &memory.PendingMessage{
			SessionID:        sc.ID(),
			ContentSessionID: sc.ContentSessionID(),
			Kind:             memory.KindObservation,
			ToolName:         tool,
			PromptNumber:     1,
		})
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	succeedingAgent := func(name string) *fakeAgent {
		return &fakeAgent{name: name, log: log, behave: func(ctx context.Context, sess agent.Session, w *agent.Worker, _ int) error {
			return drainAll(ctx, sess, w)
		}}
	}

	terminatedAgent := func(name string) *fakeAgent {
		return &fakeAgent{name: name, log: log, behave: func(context.Context, agent.Session, *agent.Worker, int) error {
			return agent.NewSessionTerminated(name, errors.New("conversation gone"))
		}}
	}

	unavailableAgent := func(name string) *fakeAgent {
		return &fakeAgent{name: name, log: log, behave: func(context.Context, agent.Session, *agent.Worker, int) error {
			return agent.NewFatal(name, errors.New("binary not found"))
		}}
	}

	sessionStatus := func(id int64) memory.SessionStatus {
		row, err := st.GetSession(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return row.Status
	}

	It("completes the session once the queue is drained and the feed closed", func() {
		sc := newSession("content-complete")
		enqueue(sc, "Read")
		enqueue(sc, "Edit")
		sc.Feed().Close()

		p := newProcessor(succeedingAgent("primary"))
		p.EnsureRunning(sc)

		Eventually(func() memory.SessionStatus { return sessionStatus(sc.ID()) }).
			Should(Equal(memory.SessionCompleted))
		Eventually(func() bool { return p.IsRunning(sc.ID()) }).Should(BeFalse())
		Expect(reg.Len()).To(BeZero(), "completed sessions leave the registry")

		obs, err := st.ObservationsForSession(ctx, sc.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(obs).To(HaveLen(2))
	})

	It("attaches exactly one consumer per session", func() {
		sc := newSession("content-idempotent")
		enqueue(sc, "Read")

		block := make(chan struct{})
		blocking := &fakeAgent{name: "blocking", log: log, behave: func(ctx context.Context, sess agent.Session, w *agent.Worker, _ int) error {
			<-block
			return drainAll(ctx, sess, w)
		}}

		p := newProcessor(blocking)
		p.EnsureRunning(sc)
		p.EnsureRunning(sc)
		p.EnsureRunning(sc)

		Consistently(func() int { return blocking.callCount() }, "100ms").Should(Equal(1))
		Expect(p.ActiveConsumers()).To(Equal(1))

		close(block)
		sc.Feed().Close()
		Eventually(func() bool { return p.IsRunning(sc.ID()) }).Should(BeFalse())
	})

	It("requeues retryable failed messages when a consumer attaches", func() {
		sc := newSession("content-requeue")
		id := enqueue(sc, "Read")

		// Fail the message once, as an earlier consumer would have.
		claimed, err := st.ClaimNext(ctx, sc.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed.ID).To(Equal(id))
		Expect(st.FailMessage(ctx, id)).To(Succeed())
		sc.Feed().Close()

		p := newProcessor(succeedingAgent("primary"))
		p.EnsureRunning(sc)

		Eventually(func() memory.MessageStatus {
			msg, gerr := st.GetMessage(ctx, id)
			Expect(gerr).NotTo(HaveOccurred())
			return msg.Status
		}).Should(Equal(memory.StatusProcessed))
	})

	It("falls back in priority order past an unavailable candidate", func() {
		sc := newSession("content-fallback")
		enqueue(sc, "Read")
		sc.Feed().Close()

		primary := terminatedAgent("primary")
		secondaryA := unavailableAgent("secondary-a")
		secondaryB := succeedingAgent("secondary-b")

		p := newProcessor(primary, secondaryA, secondaryB)
		p.EnsureRunning(sc)

		Eventually(func() []string { return log.list() }).
			Should(Equal([]string{"primary", "secondary-a", "secondary-b"}))
		Eventually(func() memory.SessionStatus { return sessionStatus(sc.ID()) }).
			Should(Equal(memory.SessionCompleted))

		obs, err := st.ObservationsForSession(ctx, sc.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(obs).To(HaveLen(1), "the second fallback does the work")
	})

	It("abandons the session when the whole chain is exhausted", func() {
		sc := newSession("content-exhausted")
		first := enqueue(sc, "Read")
		second := enqueue(sc, "Edit")

		p := newProcessor(terminatedAgent("primary"), terminatedAgent("secondary"))
		p.EnsureRunning(sc)

		Eventually(func() memory.SessionStatus { return sessionStatus(sc.ID()) }).
			Should(Equal(memory.SessionFailed))
		Eventually(func() bool { return p.IsRunning(sc.ID()) }).Should(BeFalse())
		Expect(log.list()).To(Equal([]string{"primary", "secondary"}))
		Expect(reg.Len()).To(BeZero())

		// All queued work is failed in place, none left dangling.
		for _, id := range []int64{first, second} {
			msg, err := st.GetMessage(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Status).To(Equal(memory.StatusFailed))
		}
	})

	It("does not restart after a fatal error even with pending work", func() {
		sc := newSession("content-fatal")
		enqueue(sc, "Read")
		enqueue(sc, "Edit")

		fatal := unavailableAgent("primary")
		p := newProcessor(fatal)
		p.EnsureRunning(sc)

		Eventually(func() memory.SessionStatus { return sessionStatus(sc.ID()) }).
			Should(Equal(memory.SessionFailed))
		Eventually(func() bool { return p.IsRunning(sc.ID()) }).Should(BeFalse())

		pending, err := st.PendingCount(ctx, sc.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeNumerically(">", 0), "pending work alone must not revive a fatally stopped session")
		Consistently(func() int { return fatal.callCount() }, "150ms").Should(Equal(1))
	})

	It("restarts the same agent with a fresh token after a transient error", func() {
		sc := newSession("content-transient")
		enqueue(sc, "Read")
		enqueue(sc, "Edit")
		sc.Feed().Close()

		var tokens []context.Context
		var tokenMu sync.Mutex
		flaky := &fakeAgent{name: "flaky", log: log, behave: func(ctx context.Context, sess agent.Session, w *agent.Worker, call int) error {
			tokenMu.Lock()
			tokens = append(tokens, ctx)
			tokenMu.Unlock()
			if call == 1 {
				// Burn one message, then hiccup.
				msg, err := sess.NextMessage(ctx)
				if err != nil || msg == nil {
					return err
				}
				if err := w.Store.FailMessage(ctx, msg.ID); err != nil {
					return err
				}
				return agent.NewTransient("flaky", errors.New("provider hiccup"))
			}
			return drainAll(ctx, sess, w)
		}}

		p := newProcessor(flaky)
		p.EnsureRunning(sc)

		Eventually(func() memory.SessionStatus { return sessionStatus(sc.ID()) }).
			Should(Equal(memory.SessionCompleted))
		Expect(flaky.callCount()).To(Equal(2))
		Expect(log.list()).To(Equal([]string{"flaky", "flaky"}))

		tokenMu.Lock()
		defer tokenMu.Unlock()
		Expect(tokens).To(HaveLen(2))
		Expect(tokens[0]).NotTo(BeIdenticalTo(tokens[1]), "each restart gets a fresh cancellation token")
	})

	It("stops idle instead of restarting when a transient error leaves nothing pending", func() {
		sc := newSession("content-idle")
		enqueue(sc, "Read")

		flaky := &fakeAgent{name: "flaky", log: log, behave: func(ctx context.Context, sess agent.Session, w *agent.Worker, _ int) error {
			msg, err := sess.NextMessage(ctx)
			if err != nil || msg == nil {
				return err
			}
			if err := w.Store.FailMessage(ctx, msg.ID); err != nil {
				return err
			}
			return agent.NewTransient("flaky", errors.New("provider hiccup"))
		}}

		p := newProcessor(flaky)
		p.EnsureRunning(sc)

		Eventually(func() bool { return p.IsRunning(sc.ID()) }).Should(BeFalse())
		Expect(flaky.callCount()).To(Equal(1))
		// The session stays active; the failed message waits for the next
		// attach or the recovery pass.
		Expect(sessionStatus(sc.ID())).To(Equal(memory.SessionActive))
	})

	It("leaves the session active when cancelled by shutdown", func() {
		sc := newSession("content-shutdown")
		enqueue(sc, "Read")

		waiting := &fakeAgent{name: "waiting", log: log, behave: func(ctx context.Context, sess agent.Session, w *agent.Worker, _ int) error {
			<-ctx.Done()
			return ctx.Err()
		}}

		p := newProcessor(waiting)
		p.EnsureRunning(sc)
		Eventually(func() int { return waiting.callCount() }).Should(Equal(1))

		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		Expect(p.Shutdown(shutdownCtx)).To(Succeed())

		Expect(p.ActiveConsumers()).To(BeZero())
		Expect(sessionStatus(sc.ID())).To(Equal(memory.SessionActive))

		// Post-shutdown attach requests are refused.
		p.EnsureRunning(sc)
		Expect(p.ActiveConsumers()).To(BeZero())
	})

	It("broadcasts aggregate status on consumer start and stop", func() {
		fanout := eventstream.NewFanout()
		DeferCleanup(fanout.Close)
		events, cancelSub := fanout.Subscribe()
		DeferCleanup(cancelSub)

		sc := newSession("content-status")
		enqueue(sc, "Read")
		sc.Feed().Close()

		p, err := processor.New(&processor.Config{
			Store:     st,
			Registry:  reg,
			Chain:     []agent.Agent{succeedingAgent("primary")},
			Publisher: fanout,
			Logger:    zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = p.Shutdown(shutdownCtx)
		})

		p.EnsureRunning(sc)

		var first *eventstream.ProcessingStatusEvent
		Eventually(events).Should(Receive(&first))
		Expect(first.IsProcessing).To(BeTrue())
		Expect(first.ActiveSessions).To(Equal(int64(1)))

		Eventually(events).Should(Receive(HaveField("IsProcessing", BeFalse())))
	})
})
