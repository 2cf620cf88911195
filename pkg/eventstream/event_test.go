package eventstream_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ucalyptus/open-mem/pkg/eventstream"
)

var _ = Describe("Event", func() {
	It("marshals ProcessingStatusEvent with expected top-level keys", func() {
		event := eventstream.NewProcessingStatusEvent(true, 2, 7)

		payload, err := json.Marshal(event)
		Expect(err).NotTo(HaveOccurred())

		var got map[string]any
		Expect(json.Unmarshal(payload, &got)).To(Succeed())

		Expect(got).To(HaveKey("schema_version"))
		Expect(got).To(HaveKey("event_type"))
		Expect(got).To(HaveKey("event_id"))
		Expect(got).To(HaveKey("emitted_at"))
		Expect(got).To(HaveKey("is_processing"))
		Expect(got).To(HaveKey("active_sessions"))
		Expect(got).To(HaveKey("queue_depth"))
	})

	It("mints a distinct event id per event", func() {
		a := eventstream.NewProcessingStatusEvent(false, 0, 0)
		b := eventstream.NewProcessingStatusEvent(false, 0, 0)
		Expect(a.EventID).NotTo(BeEmpty())
		Expect(a.EventID).NotTo(Equal(b.EventID))
	})

	It("defines stable event constants", func() {
		Expect(eventstream.SchemaVersionV1).To(BeNumerically(">", 0))
		Expect(eventstream.EventTypeProcessingStatus).To(Equal("openmem.processing.status"))
	})

	It("provides ErrNilStatusEvent for nil payload validation", func() {
		Expect(eventstream.ErrNilStatusEvent).NotTo(BeNil())
		Expect(eventstream.ErrNilStatusEvent).To(MatchError("nil status event"))
	})
})
