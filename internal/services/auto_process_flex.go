package services

import (
	"context"
	"strings"

	"github.com/Erickzao/twilio-services/internal/models"
	"github.com/Erickzao/twilio-services/internal/twilio"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// fallbackCustomerName is used when the task attributes carry no usable
// customer name
const fallbackCustomerName = "cliente"

// fallbackWorkerName is used when neither the reservation nor the worker
// resource carries a display name
const fallbackWorkerName = "Atendente"

// processFlex polls the provider for assigned tasks and advances each one
// through the lifecycle. It reports whether it produced any work, which
// decides whether the internal pipeline still runs in "auto" mode.
func (s *AutoProcessService) processFlex(ctx context.Context) bool {
	workspace := s.resolveWorkspace()
	if workspace == "" {
		return false
	}

	tasks, err := s.client.ListAssignedTasks(workspace, []string{"assigned", "reserved"}, s.cfg.FlexPollLimit)
	if err != nil {
		s.logger.Warn("failed to list provider tasks", zap.Error(err))
		return false
	}

	processed := false
	for i := range tasks {
		if s.processFlexTask(ctx, workspace, &tasks[i]) {
			processed = true
		}
	}
	return processed
}

// processFlexTask advances one provider task. It returns true when the
// task was handled (upserted and moved through the lifecycle), false when
// it was skipped as not ours to automate or when listing its reservations,
// loading its row or upserting it failed.
func (s *AutoProcessService) processFlexTask(ctx context.Context, workspace string, pt *twilio.Task) bool {
	attrs := pt.Attributes

	conversationSid := gjson.Get(attrs, "conversationSid").String()
	if !strings.HasPrefix(conversationSid, "CH") {
		// Not a Conversations-transported task
		return false
	}

	reservations, err := s.client.ListAcceptedReservations(workspace, pt.Sid, 1)
	if err != nil {
		s.logger.Warn("failed to list reservations", zap.String("task_sid", pt.Sid), zap.Error(err))
		return false
	}
	if len(reservations) == 0 {
		return false
	}
	reservation := reservations[0]

	customerName := flexCustomerName(attrs)
	fallbackName := strings.TrimSpace(reservation.WorkerName)
	if fallbackName == "" {
		fallbackName = fallbackWorkerName
	}

	existing, err := s.flexRepo.GetByTaskSid(ctx, pt.Sid)
	if err != nil && err.Error() != "flex task not found" {
		s.logger.Error("failed to load flex task", zap.String("task_sid", pt.Sid), zap.Error(err))
		return false
	}

	workerName := s.resolveWorkerName(workspace, reservation.WorkerSid, fallbackName, existing)

	row := &models.FlexTask{
		TaskSid:              pt.Sid,
		ConversationSid:      conversationSid,
		ChannelType:          pt.ChannelUniqueName,
		CustomerName:         customerName,
		CustomerAddress:      gjson.Get(attrs, "customerAddress").String(),
		CustomerFrom:         gjson.Get(attrs, "from").String(),
		WorkerSid:            reservation.WorkerSid,
		WorkerName:           workerName,
		TaskAssignmentStatus: pt.AssignmentStatus,
		TaskAttributes:       attrs,
	}
	if err := s.flexRepo.UpsertBaseState(ctx, row); err != nil {
		s.logger.Error("failed to upsert flex task", zap.String("task_sid", pt.Sid), zap.Error(err))
		return false
	}

	if existing != nil && existing.GreetingSentAt != nil {
		if existing.CustomerReplied() {
			s.sched.Cancel(pt.Sid)
			return true
		}
		if existing.InactiveSentAt != nil {
			s.sched.Cancel(pt.Sid)
			return true
		}
		if !s.sched.Has(pt.Sid) {
			s.sched.Schedule(pt.Sid, *existing.GreetingSentAt, s.handleFlexPing, s.handleFlexInactive)
		}
		return true
	}

	identity, ok := s.lookupWorkerParticipant(conversationSid, reservation.WorkerSid, workerName, row.CustomerAddress, row.CustomerFrom)
	if !ok {
		s.warnMissingParticipant(pt.Sid, conversationSid)
		return true
	}

	if _, err := s.client.PostConversationMessage(conversationSid, GreetingMessage(customerName, workerName), identity); err != nil {
		s.metrics.SendFailures.WithLabelValues("flex", "greeting").Inc()
		s.logger.Warn("failed to post greeting",
			zap.String("task_sid", pt.Sid),
			zap.String("conversation_sid", conversationSid),
			zap.Error(err),
		)
		return true
	}
	s.metrics.MessagesSent.WithLabelValues("flex", "greeting").Inc()

	now := s.now()
	if err := s.flexRepo.SetGreetingSent(ctx, pt.Sid, now); err != nil {
		s.logger.Error("failed to record greeting", zap.String("task_sid", pt.Sid), zap.Error(err))
		return true
	}

	s.sched.Schedule(pt.Sid, now, s.handleFlexPing, s.handleFlexInactive)
	s.logger.Info("greeting sent", zap.String("task_sid", pt.Sid), zap.String("source", "flex"))
	return true
}

// handleFlexPing is the ping deadline callback for flex tasks. When the
// worker participant cannot be resolved the ping is skipped for this
// epoch; the inactivity deadline still covers the task.
func (s *AutoProcessService) handleFlexPing(taskSid string) {
	ctx := context.Background()

	task, err := s.flexRepo.GetByTaskSid(ctx, taskSid)
	if err != nil {
		s.logger.Warn("ping callback could not load flex task", zap.String("task_sid", taskSid), zap.Error(err))
		return
	}

	if task.GreetingSentAt == nil || task.PingSentAt != nil ||
		task.ConversationSid == "" || task.CustomerReplied() {
		return
	}

	identity, ok := s.lookupWorkerParticipant(task.ConversationSid, task.WorkerSid, task.WorkerName, task.CustomerAddress, task.CustomerFrom)
	if !ok {
		s.logger.Warn("skipping ping, worker participant not resolved", zap.String("task_sid", taskSid))
		return
	}

	customerName := task.CustomerName
	if customerName == "" {
		customerName = fallbackCustomerName
	}

	if _, err := s.client.PostConversationMessage(task.ConversationSid, PingMessage(customerName), identity); err != nil {
		s.metrics.SendFailures.WithLabelValues("flex", "ping").Inc()
		s.logger.Warn("failed to post ping", zap.String("task_sid", taskSid), zap.Error(err))
		return
	}
	s.metrics.MessagesSent.WithLabelValues("flex", "ping").Inc()

	if err := s.flexRepo.MarkPingSent(ctx, taskSid, s.now()); err != nil {
		s.logger.Error("failed to record ping", zap.String("task_sid", taskSid), zap.Error(err))
	}
}

// handleFlexInactive is the inactivity deadline callback for flex tasks.
// On success it posts the closure, then closes the conversation and
// completes the provider task unless disabled by configuration.
func (s *AutoProcessService) handleFlexInactive(taskSid string) {
	ctx := context.Background()

	task, err := s.flexRepo.GetByTaskSid(ctx, taskSid)
	if err != nil {
		s.logger.Warn("inactive callback could not load flex task", zap.String("task_sid", taskSid), zap.Error(err))
		return
	}

	if task.GreetingSentAt == nil || task.InactiveSentAt != nil ||
		task.ConversationSid == "" || task.CustomerReplied() {
		return
	}

	// The closure must go out even when the worker participant is gone,
	// so fall back to the automation author.
	author, ok := s.lookupWorkerParticipant(task.ConversationSid, task.WorkerSid, task.WorkerName, task.CustomerAddress, task.CustomerFrom)
	if !ok {
		author = s.cfg.AutomationAuthor
	}

	customerName := task.CustomerName
	if customerName == "" {
		customerName = fallbackCustomerName
	}

	if _, err := s.client.PostConversationMessage(task.ConversationSid, ClosureMessage(customerName), author); err != nil {
		s.metrics.SendFailures.WithLabelValues("flex", "closure").Inc()
		s.logger.Warn("failed to post closure", zap.String("task_sid", taskSid), zap.Error(err))
		return
	}
	s.metrics.MessagesSent.WithLabelValues("flex", "closure").Inc()

	if err := s.flexRepo.MarkInactiveSent(ctx, taskSid, s.now()); err != nil {
		s.logger.Error("failed to record closure", zap.String("task_sid", taskSid), zap.Error(err))
		return
	}

	if s.cfg.FlexCloseConversation {
		if err := s.client.CloseConversation(task.ConversationSid); err != nil {
			s.logger.Warn("failed to close conversation",
				zap.String("task_sid", taskSid),
				zap.String("conversation_sid", task.ConversationSid),
				zap.Error(err),
			)
		} else {
			s.metrics.ConversationsClosed.Inc()
		}
	}

	if s.cfg.FlexCompleteTask {
		workspace := s.resolveWorkspace()
		if workspace != "" {
			if err := s.client.CompleteTask(workspace, taskSid, models.CloseReasonInactivity); err != nil {
				s.logger.Warn("failed to complete provider task", zap.String("task_sid", taskSid), zap.Error(err))
			}
		}
	}

	s.sched.Cancel(taskSid)
	s.metrics.TasksClosed.WithLabelValues("flex").Inc()
	s.logger.Info("task closed due to inactivity", zap.String("task_sid", taskSid), zap.String("source", "flex"))
}

// resolveWorkspace returns the workspace sid to poll. A configured sid
// wins; otherwise detection picks a single workspace, or a single workspace
// whose friendly name contains "flex". A detected sid is cached; when
// detection fails nothing is cached and the next call lists again.
func (s *AutoProcessService) resolveWorkspace() string {
	if s.workspaceSid != "" {
		return s.workspaceSid
	}

	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	if s.resolvedWorkspace != "" {
		return s.resolvedWorkspace
	}

	workspaces, err := s.client.ListWorkspaces()
	if err != nil {
		s.warnWorkspaceOnce("failed to list workspaces", err)
		return ""
	}

	if len(workspaces) == 1 {
		s.resolvedWorkspace = workspaces[0].Sid
		return s.resolvedWorkspace
	}

	var matches []string
	for _, ws := range workspaces {
		if strings.Contains(strings.ToLower(ws.FriendlyName), "flex") {
			matches = append(matches, ws.Sid)
		}
	}
	if len(matches) == 1 {
		s.resolvedWorkspace = matches[0]
		return s.resolvedWorkspace
	}

	s.warnWorkspaceOnce("workspace could not be determined", nil)
	return ""
}

// warnWorkspaceOnce logs the unresolved-workspace condition a single time.
// Caller holds wsMu.
func (s *AutoProcessService) warnWorkspaceOnce(msg string, err error) {
	if s.workspaceWarned {
		return
	}
	s.workspaceWarned = true
	s.logger.Warn(msg+", flex processing disabled", zap.Error(err))
}

// resolveWorkerName returns the display name for a worker, preferring a
// previously stored real name, then the per-process cache, then a single
// FetchWorker call whose result (or the fallback, on failure) is cached.
func (s *AutoProcessService) resolveWorkerName(workspace, workerSid, fallback string, existing *models.FlexTask) string {
	if existing != nil && existing.WorkerName != "" &&
		existing.WorkerName != fallback && existing.WorkerName != fallbackWorkerName {
		return existing.WorkerName
	}

	if workerSid == "" {
		return fallback
	}

	s.workerMu.Lock()
	if name, ok := s.workerNames[workerSid]; ok {
		s.workerMu.Unlock()
		return name
	}
	s.workerMu.Unlock()

	name := fallback
	worker, err := s.client.FetchWorker(workspace, workerSid)
	if err != nil {
		s.logger.Warn("failed to fetch worker", zap.String("worker_sid", workerSid), zap.Error(err))
	} else {
		name = workerDisplayName(worker.Attributes, worker.FriendlyName, fallback)
	}

	s.workerMu.Lock()
	s.workerNames[workerSid] = name
	s.workerMu.Unlock()

	return name
}

// workerDisplayName picks the first usable name from the worker's
// attributes document, then the friendly name, then the fallback
func workerDisplayName(attributes, friendlyName, fallback string) string {
	for _, path := range []string{"full_name", "fullName", "fullname", "name"} {
		if v := strings.TrimSpace(gjson.Get(attributes, path).String()); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(friendlyName); v != "" {
		return v
	}
	return fallback
}

// flexCustomerName derives the customer display name from the task
// attributes: customers.name, then friendlyName, then from
func flexCustomerName(attributes string) string {
	for _, path := range []string{"customers.name", "friendlyName", "from"} {
		if v := strings.TrimSpace(gjson.Get(attributes, path).String()); v != "" {
			return v
		}
	}
	return fallbackCustomerName
}

// warnMissingParticipant logs the missing-worker-participant condition a
// single time per task sid; the tick loop keeps retrying silently
func (s *AutoProcessService) warnMissingParticipant(taskSid, conversationSid string) {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()

	if _, ok := s.warnedParticipants[taskSid]; ok {
		return
	}
	s.warnedParticipants[taskSid] = struct{}{}
	s.logger.Warn("worker participant not in conversation yet, greeting deferred",
		zap.String("task_sid", taskSid),
		zap.String("conversation_sid", conversationSid),
	)
}

// lookupWorkerParticipant lists the conversation participants and resolves
// the identity string to author automated messages with
func (s *AutoProcessService) lookupWorkerParticipant(conversationSid, workerSid, workerName, customerAddress, customerFrom string) (string, bool) {
	participants, err := s.client.ListConversationParticipants(conversationSid, 50)
	if err != nil {
		s.logger.Warn("failed to list participants", zap.String("conversation_sid", conversationSid), zap.Error(err))
		return "", false
	}
	return resolveWorkerParticipant(participants, workerSid, workerName, customerAddress, customerFrom)
}

// resolveWorkerParticipant picks the participant identity that represents
// the worker, by priority:
//  1. identity equals the worker sid (case-insensitive, trimmed)
//  2. identity equals the worker display name
//  3. participant attributes carry a worker sid field equal to it
//  4. raw participant attributes contain the worker sid as a substring
//  5. the single participant that is not the customer, if exactly one
func resolveWorkerParticipant(participants []twilio.Participant, workerSid, workerName, customerAddress, customerFrom string) (string, bool) {
	sid := strings.TrimSpace(workerSid)
	name := strings.TrimSpace(workerName)

	if sid != "" {
		for _, p := range participants {
			if strings.EqualFold(strings.TrimSpace(p.Identity), sid) {
				return p.Identity, true
			}
		}
	}

	if name != "" {
		for _, p := range participants {
			if strings.EqualFold(strings.TrimSpace(p.Identity), name) {
				return p.Identity, true
			}
		}
	}

	if sid != "" {
		for _, p := range participants {
			for _, path := range []string{"workerSid", "worker_sid", "worker_id", "workerId"} {
				if strings.EqualFold(gjson.Get(p.Attributes, path).String(), sid) {
					return p.Identity, true
				}
			}
		}

		for _, p := range participants {
			if strings.Contains(p.Attributes, sid) {
				return p.Identity, true
			}
		}
	}

	var candidates []string
	for _, p := range participants {
		if p.Identity == "" {
			continue
		}
		if isCustomerParticipant(p, customerAddress, customerFrom) {
			continue
		}
		candidates = append(candidates, p.Identity)
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}

	return "", false
}

// isCustomerParticipant reports whether the participant's identity or
// messaging binding address matches a known customer address
func isCustomerParticipant(p twilio.Participant, customerAddress, customerFrom string) bool {
	for _, known := range []string{customerAddress, customerFrom} {
		if known == "" {
			continue
		}
		if p.Identity == known || p.Address == known {
			return true
		}
	}
	return false
}
