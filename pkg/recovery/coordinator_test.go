package recovery_test

import (
	"context"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/processor"
	"github.com/ucalyptus/open-mem/pkg/recovery"
	"github.com/ucalyptus/open-mem/pkg/registry"
	"github.com/ucalyptus/open-mem/pkg/store"
)

// drainingAgent claims and completes messages until the feed finishes.
type drainingAgent struct{}

func (drainingAgent) Name() string                   { return "draining" }
func (drainingAgent) EstimateTokens(text string) int { return agent.EstimateTokens(text) }

func (drainingAgent) StartSession(ctx context.Context, sess agent.Session, w *agent.Worker) error {
	for {
		msg, err := sess.NextMessage(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		obs := []memory.Observation{{
			SessionID:      msg.SessionID,
			Kind:           "change",
			Title:          "processed " + msg.ToolName,
			CreatedAtEpoch: memory.NowMillis(),
		}}
		if err := w.Store.CompleteMessage(ctx, msg.ID, obs, nil); err != nil {
			return agent.NewTransient("draining", err)
		}
	}
}

// parkedAgent blocks until cancelled without touching the queue.
type parkedAgent struct{}

func (parkedAgent) Name() string                   { return "parked" }
func (parkedAgent) EstimateTokens(text string) int { return agent.EstimateTokens(text) }

func (parkedAgent) StartSession(ctx context.Context, _ agent.Session, _ *agent.Worker) error {
	<-ctx.Done()
	return ctx.Err()
}

var _ = Describe("Coordinator", func() {
	var (
		ctx   context.Context
		st    *store.Store
		reg   *registry.Registry
		procs *agent.ProcTable
	)

	BeforeEach(func() {
		ctx = context.Background()
		procs = agent.NewProcTable()

		var err error
		st, err = store.Open(store.Config{Path: "file::memory:"}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(st.Close)

		reg, err = registry.New(&registry.Config{
			Store:        st,
			PollInterval: time.Hour, // only explicit wakes move the feed
			Logger:       zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	newProcessor := func(a agent.Agent) *processor.Processor {
		p, err := processor.New(&processor.Config{
			Store:    st,
			Registry: reg,
			Chain:    []agent.Agent{a},
			Procs:    procs,
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

	newCoordinator := func(p *processor.Processor, mutate func(*recovery.Config)) *recovery.Coordinator {
		cfg := &recovery.Config{
			Store:        st,
			Registry:     reg,
			Processor:    p,
			Procs:        procs,
			RestartDelay: 5 * time.Millisecond,
			Logger:       zap.NewNop(),
		}
		if mutate != nil {
			mutate(cfg)
		}
		c, err := recovery.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	enqueue := func(sessionID int64, contentID, tool string) int64 {
		id, err := st.Enqueue(ctx, &memory.PendingMessage{
			SessionID:        sessionID,
			ContentSessionID: contentID,
			Kind:             memory.KindObservation,
			ToolName:         tool,
			PromptNumber:     1,
		})
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	messageStatus := func(id int64) memory.MessageStatus {
		msg, err := st.GetMessage(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return msg.Status
	}

	It("recovers a crashed session end to end", func() {
		// A previous process completed message 1 and died while holding
		// message 2. Rebuild the world from a file-backed store, as a
		// restart would.
		dbPath := filepath.Join(GinkgoT().TempDir(), "openmem.db")
		crashed, err := store.Open(store.Config{Path: dbPath}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		row, err := crashed.CreateSession(ctx, "content-crash", "open-mem", "long task")
		Expect(err).NotTo(HaveOccurred())
		var ids []int64
		for _, tool := range []string{"Read", "Edit", "Bash"} {
			id, err := crashed.Enqueue(ctx, &memory.PendingMessage{
				SessionID:        row.ID,
				ContentSessionID: "content-crash",
				Kind:             memory.KindObservation,
				ToolName:         tool,
				PromptNumber:     1,
			})
			Expect(err).NotTo(HaveOccurred())
			ids = append(ids, id)
		}
		first, err := crashed.ClaimNext(ctx, row.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(crashed.CompleteMessage(ctx, first.ID, nil, nil)).To(Succeed())
		_, err = crashed.ClaimNext(ctx, row.ID) // message 2, never completed
		Expect(err).NotTo(HaveOccurred())
		Expect(crashed.Close()).To(Succeed())

		st, err = store.Open(store.Config{Path: dbPath}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(st.Close)
		reg, err = registry.New(&registry.Config{Store: st, Logger: zap.NewNop()})
		Expect(err).NotTo(HaveOccurred())

		p := newProcessor(drainingAgent{})
		c := newCoordinator(p, nil)
		Expect(c.RunStartupPass(ctx)).To(Succeed())

		Eventually(func() memory.MessageStatus { return messageStatus(ids[1]) }).
			Should(Equal(memory.StatusProcessed), "the unfinished claim is reset and re-run")
		Eventually(func() memory.MessageStatus { return messageStatus(ids[2]) }).
			Should(Equal(memory.StatusProcessed))
		Expect(messageStatus(ids[0])).To(Equal(memory.StatusProcessed))

		obs, err := st.ObservationsForSession(ctx, row.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(obs).To(HaveLen(2), "messages 2 and 3 are processed exactly once each")
	})

	It("leaves fresh claims alone on periodic passes", func() {
		scA, err := reg.GetOrCreate(ctx, "content-a", "", "")
		Expect(err).NotTo(HaveOccurred())
		oldID := enqueue(scA.ID(), "content-a", "Read")
		claimed, err := st.ClaimNext(ctx, scA.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed.ID).To(Equal(oldID))

		// Let the first claim age past the threshold, then take a fresh one.
		time.Sleep(450 * time.Millisecond)
		scB, err := reg.GetOrCreate(ctx, "content-b", "", "")
		Expect(err).NotTo(HaveOccurred())
		freshID := enqueue(scB.ID(), "content-b", "Edit")
		_, err = st.ClaimNext(ctx, scB.ID())
		Expect(err).NotTo(HaveOccurred())

		p := newProcessor(parkedAgent{})
		c := newCoordinator(p, func(cfg *recovery.Config) {
			cfg.Interval = 30 * time.Millisecond
			cfg.ClaimStaleAfter = 400 * time.Millisecond
		})

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		c.Start(runCtx)

		Eventually(func() memory.MessageStatus { return messageStatus(oldID) }, "2s").
			Should(Equal(memory.StatusPending), "the stuck claim is demoted")
		cancel()
		c.Wait()
		Expect(messageStatus(freshID)).To(Equal(memory.StatusProcessing),
			"a claim inside the threshold keeps its owner")
	})

	It("fails stale sessions and their pending messages without reclaiming", func() {
		row, err := st.CreateSession(ctx, "content-stale", "open-mem", "")
		Expect(err).NotTo(HaveOccurred())
		msgID := enqueue(row.ID, "content-stale", "Read")

		time.Sleep(50 * time.Millisecond)

		p := newProcessor(parkedAgent{})
		c := newCoordinator(p, func(cfg *recovery.Config) {
			cfg.SessionStaleAfter = 30 * time.Millisecond
		})
		Expect(c.RunStartupPass(ctx)).To(Succeed())

		stored, err := st.GetSession(ctx, row.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(memory.SessionFailed))
		Expect(messageStatus(msgID)).To(Equal(memory.StatusFailed))
		Expect(p.IsRunning(row.ID)).To(BeFalse(),
			"a stale-failed session is retired, not resurrected")
	})

	It("spares stale-aged sessions that have a live consumer", func() {
		sc, err := reg.GetOrCreate(ctx, "content-live", "open-mem", "")
		Expect(err).NotTo(HaveOccurred())

		time.Sleep(50 * time.Millisecond)

		p := newProcessor(parkedAgent{})
		p.EnsureRunning(sc)
		c := newCoordinator(p, func(cfg *recovery.Config) {
			cfg.SessionStaleAfter = 30 * time.Millisecond
		})
		Expect(c.RunStartupPass(ctx)).To(Succeed())

		stored, err := st.GetSession(ctx, sc.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(memory.SessionActive))
	})

	It("wakes the consumer of a running session instead of starting another", func() {
		sc, err := reg.GetOrCreate(ctx, "content-wake", "open-mem", "")
		Expect(err).NotTo(HaveOccurred())

		p := newProcessor(drainingAgent{})
		p.EnsureRunning(sc)
		Eventually(func() bool { return p.IsRunning(sc.ID()) }).Should(BeTrue())

		// The feed polls hourly here, so only a wake can deliver this.
		msgID := enqueue(sc.ID(), "content-wake", "Read")

		c := newCoordinator(p, nil)
		Expect(c.RunStartupPass(ctx)).To(Succeed())

		Eventually(func() memory.MessageStatus { return messageStatus(msgID) }).
			Should(Equal(memory.StatusProcessed))
		Expect(p.ActiveConsumers()).To(Equal(1))
	})

	It("attaches consumers for orphaned queues up to the per-pass cap", func() {
		var sessions []*registry.SessionContext
		for _, contentID := range []string{"content-1", "content-2", "content-3"} {
			sc, err := reg.GetOrCreate(ctx, contentID, "open-mem", "")
			Expect(err).NotTo(HaveOccurred())
			enqueue(sc.ID(), contentID, "Read")
			sessions = append(sessions, sc)
		}

		p := newProcessor(parkedAgent{})
		c := newCoordinator(p, func(cfg *recovery.Config) {
			cfg.RestartCap = 2
		})
		Expect(c.RunStartupPass(ctx)).To(Succeed())

		Expect(p.IsRunning(sessions[0].ID())).To(BeTrue())
		Expect(p.IsRunning(sessions[1].ID())).To(BeTrue())
		Expect(p.IsRunning(sessions[2].ID())).To(BeFalse(),
			"the third start waits for the next pass")
	})

	It("reaps helper processes owned by retired sessions", func() {
		cmd := exec.Command("sleep", "30")
		Expect(cmd.Start()).To(Succeed())
		pid := cmd.Process.Pid

		// Reap concurrently so the killed child does not linger as a zombie.
		waitDone := make(chan struct{})
		go func() { _ = cmd.Wait(); close(waitDone) }()
		DeferCleanup(func() { _ = cmd.Process.Kill(); <-waitDone })

		procs.Register(12345, pid) // session 12345 is not registered

		p := newProcessor(parkedAgent{})
		c := newCoordinator(p, nil)
		Expect(c.RunStartupPass(ctx)).To(Succeed())

		Expect(procs.Len()).To(BeZero())
		Eventually(func() error {
			return cmd.Process.Signal(syscall.Signal(0))
		}, "3s").Should(HaveOccurred(), "the orphan is terminated")
	})

	It("keeps helper processes whose session is live", func() {
		sc, err := reg.GetOrCreate(ctx, "content-helper", "open-mem", "")
		Expect(err).NotTo(HaveOccurred())

		cmd := exec.Command("sleep", "30")
		Expect(cmd.Start()).To(Succeed())
		DeferCleanup(func() { _ = cmd.Process.Kill(); _, _ = cmd.Process.Wait() })

		procs.Register(sc.ID(), cmd.Process.Pid)

		p := newProcessor(parkedAgent{})
		c := newCoordinator(p, nil)
		Expect(c.RunStartupPass(ctx)).To(Succeed())

		Expect(procs.Len()).To(Equal(1))
		Expect(cmd.Process.Signal(syscall.Signal(0))).To(Succeed())
	})
})
