package processor_test

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/cloudwego/eino/schema"

	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/internal/permission"
	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/internal/session"
	"github.com/dzianisv/opencode/internal/storage"
	"github.com/dzianisv/opencode/internal/tool"
	"github.com/dzianisv/opencode/pkg/types"
)

// eventLog collects published events for later inspection.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) record(e event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Event(nil), l.events...)
}

func (l *eventLog) statuses(sessionID string) []types.SessionStatusType {
	var out []types.SessionStatusType
	for _, e := range l.snapshot() {
		if data, ok := e.Data.(event.SessionStatusData); ok && data.SessionID == sessionID {
			out = append(out, data.Status.Type)
		}
	}
	return out
}

func (l *eventLog) toolStatuses(callID string) []types.ToolStatus {
	var out []types.ToolStatus
	for _, e := range l.snapshot() {
		data, ok := e.Data.(event.MessagePartUpdatedData)
		if !ok {
			continue
		}
		if part, ok := data.Part.(*types.ToolPart); ok && part.CallID == callID {
			out = append(out, part.State.Status)
		}
	}
	return out
}

var _ = Describe("Turn processing", func() {
	var (
		checker *permission.Checker
		echo    *echoTool
		log     *eventLog
		ctx     context.Context
	)

	newService := func(prov provider.Provider) (*session.Service, *types.Session) {
		cfg := &types.Config{Model: "scripted/fake-model"}
		registry := provider.NewRegistry(cfg)
		registry.Register(prov)

		tools := tool.NewRegistry(GinkgoT().TempDir(), nil)
		tools.Register(echo)

		svc := session.NewService(cfg, storage.New(GinkgoT().TempDir()), registry, tools, checker)
		svc.SetSnapshotDir("")

		sess, err := svc.Create(ctx, GinkgoT().TempDir(), "processor suite", nil)
		Expect(err).NotTo(HaveOccurred())
		return svc, sess
	}

	BeforeEach(func() {
		event.Reset()
		checker = permission.NewChecker()
		echo = &echoTool{}
		log = &eventLog{}
		ctx = context.Background()
		DeferCleanup(event.SubscribeAll(log.record))
	})

	It("streams a text reply and settles back to idle", func() {
		prov := newScriptedProvider(
			respond(textChunks("All done", &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 2})),
		)
		svc, sess := newService(prov)

		reply, err := svc.Prompt(ctx, sess.ID, session.Input{Text: "do nothing"})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Error).To(BeNil())
		Expect(reply.Finish).To(HaveValue(Equal("end_turn")))

		parts, err := svc.Parts(ctx, reply.ID)
		Expect(err).NotTo(HaveOccurred())
		var text string
		for _, part := range parts {
			if tp, ok := part.(*types.TextPart); ok {
				text += tp.Text
			}
		}
		Expect(text).To(Equal("All done"))

		Eventually(func() []types.SessionStatusType {
			return log.statuses(sess.ID)
		}).Should(ContainElements(types.SessionBusy, types.SessionIdle))
		Expect(svc.Busy(sess.ID)).To(BeFalse())
	})

	It("moves a tool call through pending, running and completed exactly once", func() {
		prov := newScriptedProvider(
			respond(toolChunks("call-1", "echo", `{"text":"ping"}`)),
			respond(textChunks("the echo came back", nil)),
		)
		svc, sess := newService(prov)

		reply, err := svc.Prompt(ctx, sess.ID, session.Input{Text: "run the echo tool"})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Error).To(BeNil())
		Expect(echo.callCount()).To(Equal(1))

		var statuses []types.ToolStatus
		Eventually(func() []types.ToolStatus {
			statuses = log.toolStatuses("call-1")
			return statuses
		}).Should(ContainElement(types.ToolCompleted))

		// Forward-only lifecycle: the terminal update comes last and
		// only once.
		completed := 0
		for i, status := range statuses {
			if status == types.ToolCompleted {
				completed++
				Expect(i).To(Equal(len(statuses)-1), "no updates after completion")
			}
		}
		Expect(completed).To(Equal(1))
		Expect(statuses[0]).To(Equal(types.ToolPending))

		parts, err := svc.Parts(ctx, reply.ID)
		Expect(err).NotTo(HaveOccurred())
		var toolPart *types.ToolPart
		for _, part := range parts {
			if tp, ok := part.(*types.ToolPart); ok {
				toolPart = tp
			}
		}
		Expect(toolPart).NotTo(BeNil())
		Expect(toolPart.State.Status).To(Equal(types.ToolCompleted))
		Expect(toolPart.State.Output).To(Equal("echo: ping"))
	})

	It("retries a transient provider failure and reports retry status", func() {
		prov := newScriptedProvider(
			failWith(errors.New("503 service unavailable")),
			respond(textChunks("recovered", nil)),
		)
		svc, sess := newService(prov)

		reply, err := svc.Prompt(ctx, sess.ID, session.Input{Text: "survive the blip"})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Error).To(BeNil())
		Expect(prov.requestCount()).To(Equal(2))

		Eventually(func() []types.SessionStatusType {
			return log.statuses(sess.ID)
		}).Should(ContainElement(types.SessionRetry))

		// The retry event carries the attempt counter for clients.
		var retry *event.SessionStatusData
		for _, e := range log.snapshot() {
			if data, ok := e.Data.(event.SessionStatusData); ok && data.Status.Type == types.SessionRetry {
				retry = &data
				break
			}
		}
		Expect(retry).NotTo(BeNil())
		Expect(retry.Status.Attempt).To(Equal(1))
	})

	It("fails the turn when the provider keeps erroring", func() {
		prov := newScriptedProvider(
			failWith(errors.New("invalid x-api-key")),
		)
		svc, sess := newService(prov)

		reply, err := svc.Prompt(ctx, sess.ID, session.Input{Text: "doomed"})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Error).NotTo(BeNil())
		// Auth errors are terminal, so exactly one request went out.
		Expect(prov.requestCount()).To(Equal(1))
		Expect(svc.Busy(sess.ID)).To(BeFalse())
	})

	It("escalates identical repeated tool calls to an approval gate", func() {
		prov := newScriptedProvider(
			respond(toolChunks("call-1", "echo", `{"text":"same"}`)),
			respond(toolChunks("call-2", "echo", `{"text":"same"}`)),
			respond(toolChunks("call-3", "echo", `{"text":"same"}`)),
			respond(textChunks("unreachable", nil)),
		)
		svc, sess := newService(prov)

		var asked []event.PermissionUpdatedData
		var askedMu sync.Mutex
		DeferCleanup(event.Subscribe(event.PermissionUpdated, func(e event.Event) {
			data, ok := e.Data.(event.PermissionUpdatedData)
			if !ok {
				return
			}
			askedMu.Lock()
			asked = append(asked, data)
			askedMu.Unlock()
			go checker.Respond(data.ID, "reject")
		}))

		reply, err := svc.Prompt(ctx, sess.ID, session.Input{Text: "loop forever"})
		Expect(err).NotTo(HaveOccurred())

		askedMu.Lock()
		defer askedMu.Unlock()
		Expect(asked).NotTo(BeEmpty())
		Expect(asked[0].PermissionType).To(Equal("doom_loop"))

		parts, err := svc.Parts(ctx, reply.ID)
		Expect(err).NotTo(HaveOccurred())
		var last *types.ToolPart
		for _, part := range parts {
			if tp, ok := part.(*types.ToolPart); ok {
				last = tp
			}
		}
		Expect(last).NotTo(BeNil())
		Expect(last.CallID).To(Equal("call-3"))
		Expect(last.State.Status).To(Equal(types.ToolError))
	})
})
