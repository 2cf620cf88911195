package store_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/store"
)

var _ = Describe("Store", func() {
	var (
		s   *store.Store
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = openTestStore()
	})

	AfterEach(func() {
		if s != nil {
			s.Close()
		}
	})

	Describe("Open", func() {
		It("creates the database file on disk", func() {
			dbPath := filepath.Join(GinkgoT().TempDir(), "openmem.db")

			fs, err := store.Open(store.Config{Path: dbPath}, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			defer fs.Close()

			_, err = os.Stat(dbPath)
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects an empty path", func() {
			_, err := store.Open(store.Config{}, zap.NewNop())
			Expect(err).To(HaveOccurred())
		})

		It("accepts a nil logger", func() {
			ns, err := store.Open(store.Config{Path: "file::memory:"}, nil)
			Expect(err).NotTo(HaveOccurred())
			ns.Close()
		})
	})

	Describe("CreateSession", func() {
		It("creates an active session with a creation timestamp", func() {
			sess, err := s.CreateSession(ctx, "content-1", "open-mem", "fix the tests")
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.ID).NotTo(BeZero())
			Expect(sess.Status).To(Equal(memory.SessionActive))
			Expect(sess.CreatedAtEpoch).To(BeNumerically(">", 0))
			Expect(sess.MemorySessionID).To(BeEmpty())
		})

		It("returns the existing row when the content session id is already known", func() {
			first, err := s.CreateSession(ctx, "content-1", "open-mem", "fix the tests")
			Expect(err).NotTo(HaveOccurred())

			second, err := s.CreateSession(ctx, "content-1", "other-project", "something else")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.ID).To(Equal(first.ID))
			Expect(second.Project).To(Equal("open-mem"))
		})

		It("rejects an empty content session id", func() {
			_, err := s.CreateSession(ctx, "", "open-mem", "")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("GetSession", func() {
		It("returns a not-found error for an unknown id", func() {
			_, err := s.GetSession(ctx, 9999)
			Expect(err).To(HaveOccurred())
			Expect(store.IsNotFound(err)).To(BeTrue())
		})

		It("looks up by content session id", func() {
			created, err := s.CreateSession(ctx, "content-1", "open-mem", "")
			Expect(err).NotTo(HaveOccurred())

			found, err := s.GetSessionByContentID(ctx, "content-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found.ID).To(Equal(created.ID))

			_, err = s.GetSessionByContentID(ctx, "nope")
			Expect(store.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("AssignMemorySessionID", func() {
		var sess *memory.Session

		BeforeEach(func() {
			var err error
			sess, err = s.CreateSession(ctx, "content-1", "open-mem", "")
			Expect(err).NotTo(HaveOccurred())
		})

		It("assigns the first memory session id", func() {
			err := s.AssignMemorySessionID(ctx, sess.ID, "mem-abc")
			Expect(err).NotTo(HaveOccurred())

			got, err := s.GetSession(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.MemorySessionID).To(Equal("mem-abc"))
		})

		It("treats re-assigning the same value as a no-op", func() {
			Expect(s.AssignMemorySessionID(ctx, sess.ID, "mem-abc")).To(Succeed())
			Expect(s.AssignMemorySessionID(ctx, sess.ID, "mem-abc")).To(Succeed())
		})

		It("refuses to overwrite with a different value", func() {
			Expect(s.AssignMemorySessionID(ctx, sess.ID, "mem-abc")).To(Succeed())

			err := s.AssignMemorySessionID(ctx, sess.ID, "mem-xyz")
			Expect(err).To(MatchError(store.ErrMemorySessionAssigned))

			got, err := s.GetSession(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.MemorySessionID).To(Equal("mem-abc"))
		})

		It("returns not-found for an unknown session", func() {
			err := s.AssignMemorySessionID(ctx, 9999, "mem-abc")
			Expect(store.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("RecordUserPrompt", func() {
		It("increments the counter and keeps the first prompt", func() {
			sess, err := s.CreateSession(ctx, "content-1", "open-mem", "")
			Expect(err).NotTo(HaveOccurred())

			n, err := s.RecordUserPrompt(ctx, sess.ID, "first ask")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			n, err = s.RecordUserPrompt(ctx, sess.ID, "second ask")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))

			got, err := s.GetSession(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.PromptCounter).To(Equal(2))
			Expect(got.UserPrompt).To(Equal("first ask"))
		})
	})

	Describe("CompleteSession and FailSession", func() {
		var sess *memory.Session

		BeforeEach(func() {
			var err error
			sess, err = s.CreateSession(ctx, "content-1", "open-mem", "")
			Expect(err).NotTo(HaveOccurred())
		})

		It("completes an active session", func() {
			Expect(s.CompleteSession(ctx, sess.ID)).To(Succeed())

			got, err := s.GetSession(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(memory.SessionCompleted))
			Expect(got.CompletedAtEpoch).To(BeNumerically(">", 0))
		})

		It("does not resurrect a terminal session", func() {
			Expect(s.FailSession(ctx, sess.ID)).To(Succeed())
			Expect(s.CompleteSession(ctx, sess.ID)).To(Succeed())

			got, err := s.GetSession(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(memory.SessionFailed))
		})
	})

	Describe("FailStaleSessions", func() {
		It("fails old active sessions and their pending messages", func() {
			stale, err := s.CreateSession(ctx, "content-old", "open-mem", "")
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Enqueue(ctx, observationMessage(stale.ID, "Bash"))
			Expect(err).NotTo(HaveOccurred())

			time.Sleep(30 * time.Millisecond)

			fresh, err := s.CreateSession(ctx, "content-new", "open-mem", "")
			Expect(err).NotTo(HaveOccurred())

			nSessions, nMessages, err := s.FailStaleSessions(ctx, 10*time.Millisecond, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(nSessions).To(Equal(int64(1)))
			Expect(nMessages).To(Equal(int64(1)))

			got, err := s.GetSession(ctx, stale.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(memory.SessionFailed))

			got, err = s.GetSession(ctx, fresh.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(memory.SessionActive))
		})

		It("skips sessions with a live consumer", func() {
			stale, err := s.CreateSession(ctx, "content-old", "open-mem", "")
			Expect(err).NotTo(HaveOccurred())

			time.Sleep(30 * time.Millisecond)

			nSessions, _, err := s.FailStaleSessions(ctx, 10*time.Millisecond, []int64{stale.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(nSessions).To(BeZero())

			got, err := s.GetSession(ctx, stale.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(memory.SessionActive))
		})

		It("leaves processed messages untouched", func() {
			stale, err := s.CreateSession(ctx, "content-old", "open-mem", "")
			Expect(err).NotTo(HaveOccurred())
			id, err := s.Enqueue(ctx, observationMessage(stale.ID, "Bash"))
			Expect(err).NotTo(HaveOccurred())

			claimed, err := s.ClaimNext(ctx, stale.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal(id))
			Expect(s.CompleteMessage(ctx, id, nil, nil)).To(Succeed())

			time.Sleep(30 * time.Millisecond)

			_, nMessages, err := s.FailStaleSessions(ctx, 10*time.Millisecond, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(nMessages).To(BeZero())

			msg, err := s.GetMessage(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Status).To(Equal(memory.StatusProcessed))
		})
	})

	Describe("ListSessions", func() {
		It("filters by project and returns newest first", func() {
			_, err := s.CreateSession(ctx, "content-1", "alpha", "")
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(2 * time.Millisecond)
			_, err = s.CreateSession(ctx, "content-2", "beta", "")
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(2 * time.Millisecond)
			_, err = s.CreateSession(ctx, "content-3", "alpha", "")
			Expect(err).NotTo(HaveOccurred())

			all, err := s.ListSessions(ctx, "", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(3))
			Expect(all[0].ContentSessionID).To(Equal("content-3"))

			alpha, err := s.ListSessions(ctx, "alpha", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(alpha).To(HaveLen(2))

			count, err := s.ActiveSessionCount(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(int64(3)))
		})
	})
})
