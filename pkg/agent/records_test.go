package agent_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/memory"
)

var _ = Describe("ParseRecords", func() {
	var obsMsg, sumMsg *memory.PendingMessage

	BeforeEach(func() {
		obsMsg = &memory.PendingMessage{
			ID:           1,
			SessionID:    7,
			Kind:         memory.KindObservation,
			ToolName:     "Edit",
			PromptNumber: 2,
		}
		sumMsg = &memory.PendingMessage{
			ID:        2,
			SessionID: 7,
			Kind:      memory.KindSummarize,
		}
	})

	Context("observation responses", func() {
		It("parses a fenced JSON array", func() {
			response := "Here are the observations:\n```json\n" +
				`[{"kind": "change", "title": "Fixed retry loop", "body": "Off-by-one in the cap check.", "files": ["queue.go", "queue_test.go"]}]` +
				"\n```\nDone."

			out := agent.ParseRecords(obsMsg, "mem-1", "open-mem", response)
			Expect(out.Summary).To(BeNil())
			Expect(out.Observations).To(HaveLen(1))

			obs := out.Observations[0]
			Expect(obs.SessionID).To(Equal(int64(7)))
			Expect(obs.MemorySessionID).To(Equal("mem-1"))
			Expect(obs.Project).To(Equal("open-mem"))
			Expect(obs.Kind).To(Equal("change"))
			Expect(obs.Title).To(Equal("Fixed retry loop"))
			Expect(obs.Files).To(Equal("queue.go\nqueue_test.go"))
			Expect(obs.CreatedAtEpoch).To(BeNumerically(">", 0))
		})

		It("parses a bare JSON array without fences", func() {
			response := `[{"kind": "discovery", "title": "Config lives in TOML", "body": "Loader reads config.toml."}]`
			out := agent.ParseRecords(obsMsg, "mem-1", "", response)
			Expect(out.Observations).To(HaveLen(1))
			Expect(out.Observations[0].Kind).To(Equal("discovery"))
		})

		It("parses an observations envelope object", func() {
			response := `{"observations": [{"kind": "decision", "title": "Keep WAL mode"}, {"kind": "change", "title": "Bump busy timeout"}]}`
			out := agent.ParseRecords(obsMsg, "mem-1", "", response)
			Expect(out.Observations).To(HaveLen(2))
			Expect(out.Observations[1].Title).To(Equal("Bump busy timeout"))
		})

		It("parses a single observation object", func() {
			response := `{"kind": "change", "title": "Renamed the store package", "body": "storage is now store."}`
			out := agent.ParseRecords(obsMsg, "mem-1", "", response)
			Expect(out.Observations).To(HaveLen(1))
			Expect(out.Observations[0].Title).To(Equal("Renamed the store package"))
		})

		It("skips entries without a title", func() {
			response := `[{"kind": "change", "title": "Kept"}, {"kind": "change", "body": "no title"}]`
			out := agent.ParseRecords(obsMsg, "mem-1", "", response)
			Expect(out.Observations).To(HaveLen(1))
			Expect(out.Observations[0].Title).To(Equal("Kept"))
		})

		It("accepts an empty array as no observations", func() {
			out := agent.ParseRecords(obsMsg, "mem-1", "", "```json\n[]\n```")
			Expect(out.Observations).To(BeEmpty())
			Expect(out.Summary).To(BeNil())
		})

		It("degrades a prose response to a single note", func() {
			response := "The edit renamed Store.Open to Open.\nNothing else of note."
			out := agent.ParseRecords(obsMsg, "mem-1", "proj", response)
			Expect(out.Observations).To(HaveLen(1))

			obs := out.Observations[0]
			Expect(obs.Kind).To(Equal("note"))
			Expect(obs.Title).To(Equal("The edit renamed Store.Open to Open."))
			Expect(obs.Body).To(Equal(response))
		})

		It("prefers the fenced block over loose braces in prose", func() {
			response := "The map {a: 1} was wrong.\n```json\n[{\"kind\": \"change\", \"title\": \"From fence\"}]\n```"
			out := agent.ParseRecords(obsMsg, "mem-1", "", response)
			Expect(out.Observations).To(HaveLen(1))
			Expect(out.Observations[0].Title).To(Equal("From fence"))
		})

		It("returns nothing for an empty response", func() {
			out := agent.ParseRecords(obsMsg, "mem-1", "", "   \n")
			Expect(out.Observations).To(BeEmpty())
			Expect(out.Summary).To(BeNil())
		})
	})

	Context("summarize responses", func() {
		It("parses a fenced JSON summary", func() {
			response := "```json\n" +
				`{"request": "Add retry caps", "outcome": "Caps enforced at requeue time", "learned": "Requeue is the only failed-to-pending path"}` +
				"\n```"

			out := agent.ParseRecords(sumMsg, "mem-2", "open-mem", response)
			Expect(out.Observations).To(BeEmpty())
			Expect(out.Summary).NotTo(BeNil())
			Expect(out.Summary.Request).To(Equal("Add retry caps"))
			Expect(out.Summary.Outcome).To(Equal("Caps enforced at requeue time"))
			Expect(out.Summary.Learned).To(Equal("Requeue is the only failed-to-pending path"))
			Expect(out.Summary.MemorySessionID).To(Equal("mem-2"))
			Expect(out.Summary.Project).To(Equal("open-mem"))
		})

		It("accepts a partial summary object", func() {
			out := agent.ParseRecords(sumMsg, "mem-2", "", `{"outcome": "Shipped"}`)
			Expect(out.Summary).NotTo(BeNil())
			Expect(out.Summary.Outcome).To(Equal("Shipped"))
			Expect(out.Summary.Request).To(BeEmpty())
		})

		It("degrades prose to an outcome-only summary", func() {
			out := agent.ParseRecords(sumMsg, "mem-2", "", "We fixed the queue and added tests.")
			Expect(out.Summary).NotTo(BeNil())
			Expect(out.Summary.Outcome).To(Equal("We fixed the queue and added tests."))
		})

		It("produces no summary for an empty response", func() {
			out := agent.ParseRecords(sumMsg, "mem-2", "", "")
			Expect(out.Summary).To(BeNil())
		})
	})
})

var _ = Describe("BuildPrompt", func() {
	newSession := func(project, userPrompt string) *stubSession {
		return &stubSession{project: project, userPrompt: userPrompt, history: agent.NewHistory(0, 0)}
	}

	It("opens the first call of a new session with project and request context", func() {
		sess := newSession("open-mem", "wire up the queue")
		msg := &memory.PendingMessage{Kind: memory.KindObservation, ToolName: "Bash", PromptNumber: 1, ToolInput: `{"command": "ls"}`}

		prompt := agent.BuildPrompt(agent.PositionInit, sess, msg)
		Expect(prompt).To(ContainSubstring("memory layer"))
		Expect(prompt).To(ContainSubstring("Project: open-mem"))
		Expect(prompt).To(ContainSubstring("wire up the queue"))
		Expect(prompt).To(ContainSubstring("Tool call #1: Bash"))
		Expect(prompt).To(ContainSubstring(`{"command": "ls"}`))
	})

	It("marks a continuation as resuming and omits the original request", func() {
		sess := newSession("open-mem", "wire up the queue")
		msg := &memory.PendingMessage{Kind: memory.KindObservation, ToolName: "Read", PromptNumber: 3}

		prompt := agent.BuildPrompt(agent.PositionContinuation, sess, msg)
		Expect(prompt).To(ContainSubstring("resuming"))
		Expect(prompt).NotTo(ContainSubstring("wire up the queue"))
	})

	It("sends followups without a preamble", func() {
		sess := newSession("open-mem", "wire up the queue")
		msg := &memory.PendingMessage{Kind: memory.KindObservation, ToolName: "Edit", PromptNumber: 4}

		prompt := agent.BuildPrompt(agent.PositionFollowup, sess, msg)
		Expect(prompt).NotTo(ContainSubstring("memory layer"))
		Expect(prompt).To(HavePrefix("Tool call #4: Edit"))
	})

	It("renders summarize messages with the final assistant text", func() {
		sess := newSession("", "")
		msg := &memory.PendingMessage{Kind: memory.KindSummarize, LastAssistantMessage: "All tests pass now."}

		prompt := agent.BuildPrompt(agent.PositionFollowup, sess, msg)
		Expect(prompt).To(ContainSubstring("All tests pass now."))
		Expect(prompt).To(ContainSubstring("Summarize"))
		Expect(prompt).NotTo(ContainSubstring("Tool call"))
	})
})

var _ = Describe("RenderHistory", func() {
	It("renders turns as a transcript block", func() {
		text := agent.RenderHistory([]agent.Turn{
			{Role: "user", Text: "Tool call #1: Read"},
			{Role: "assistant", Text: "[]"},
		})
		Expect(text).To(ContainSubstring("Prior exchanges"))
		Expect(text).To(ContainSubstring("[user] Tool call #1: Read"))
		Expect(text).To(ContainSubstring("[assistant] []"))
	})

	It("renders nothing for empty history", func() {
		Expect(agent.RenderHistory(nil)).To(BeEmpty())
	})
})
