package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Erickzao/twilio-services/internal/models"
	"github.com/Erickzao/twilio-services/internal/twilio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedFlexProviderTask seeds the provider fake with a task that is ready
// for a greeting: accepted reservation and the worker participant present
func seedFlexProviderTask(client *mockMessagingClient, taskSid, conversationSid, workerSid string) {
	client.providerTasks = append(client.providerTasks, twilio.Task{
		Sid:               taskSid,
		AssignmentStatus:  "assigned",
		Attributes:        `{"conversationSid":"` + conversationSid + `","customers":{"name":"Ana"},"from":"whatsapp:+5511999990001","customerAddress":"whatsapp:+5511999990001"}`,
		ChannelUniqueName: "chat",
	})
	client.reservations[taskSid] = []twilio.Reservation{
		{Sid: "WR01", Status: "accepted", WorkerSid: workerSid, WorkerName: "bia.operator"},
	}
	client.participants[conversationSid] = []twilio.Participant{
		{Sid: "MB01", Address: "whatsapp:+5511999990001", ProxyAddress: "whatsapp:+5511888880000"},
		{Sid: "MB02", Identity: workerSid},
	}
	client.workers[workerSid] = &twilio.Worker{
		Sid:          workerSid,
		FriendlyName: "bia",
		Attributes:   `{"full_name":"Bia"}`,
	}
}

func TestProcessFlex_SendsGreeting(t *testing.T) {
	flexRepo := newMockFlexTaskRepository()
	client := newMockMessagingClient()
	seedFlexProviderTask(client, "WT01", "CH01", "WK01")
	sched := newMockScheduler()

	svc := newTestEngine(newMockTaskRepository(), flexRepo, client, sched, defaultTasksConfig(), "WS01")

	worked := svc.processFlex(context.Background())
	require.True(t, worked)

	require.Len(t, client.posted, 1)
	assert.Equal(t, "CH01", client.posted[0].conversationSid)
	assert.Equal(t, GreetingMessage("Ana", "Bia"), client.posted[0].body)
	assert.Equal(t, "WK01", client.posted[0].author)

	stored, ok := flexRepo.get("WT01")
	require.True(t, ok)
	assert.Equal(t, "CH01", stored.ConversationSid)
	assert.Equal(t, "Ana", stored.CustomerName)
	assert.Equal(t, "WK01", stored.WorkerSid)
	assert.Equal(t, "Bia", stored.WorkerName)
	require.NotNil(t, stored.GreetingSentAt)
	assert.Equal(t, testNow, *stored.GreetingSentAt)

	anchor, armed := sched.anchorOf("WT01")
	require.True(t, armed)
	assert.Equal(t, testNow, anchor)
}

func TestProcessFlex_SkipsNonConversationTask(t *testing.T) {
	flexRepo := newMockFlexTaskRepository()
	client := newMockMessagingClient()
	client.providerTasks = []twilio.Task{
		{Sid: "WT01", AssignmentStatus: "assigned", Attributes: `{"call_sid":"CA123"}`},
	}

	svc := newTestEngine(newMockTaskRepository(), flexRepo, client, newMockScheduler(), defaultTasksConfig(), "WS01")

	worked := svc.processFlex(context.Background())

	assert.False(t, worked)
	assert.Empty(t, client.posted)
	_, ok := flexRepo.get("WT01")
	assert.False(t, ok)
}

func TestProcessFlex_SkipsTaskWithoutReservation(t *testing.T) {
	client := newMockMessagingClient()
	client.providerTasks = []twilio.Task{
		{Sid: "WT01", AssignmentStatus: "reserved", Attributes: `{"conversationSid":"CH01"}`},
	}

	svc := newTestEngine(newMockTaskRepository(), newMockFlexTaskRepository(), client, newMockScheduler(), defaultTasksConfig(), "WS01")

	worked := svc.processFlex(context.Background())

	assert.False(t, worked)
	assert.Empty(t, client.posted)
}

func TestProcessFlex_GreetingDeferredUntilWorkerJoins(t *testing.T) {
	flexRepo := newMockFlexTaskRepository()
	client := newMockMessagingClient()
	seedFlexProviderTask(client, "WT01", "CH01", "WK01")

	// Only the customer is in the conversation so far
	client.participants["CH01"] = []twilio.Participant{
		{Sid: "MB01", Address: "whatsapp:+5511999990001"},
	}

	svc := newTestEngine(newMockTaskRepository(), flexRepo, client, newMockScheduler(), defaultTasksConfig(), "WS01")

	// Tick 1: state is persisted but no greeting goes out
	worked := svc.processFlex(context.Background())
	require.True(t, worked)
	assert.Empty(t, client.posted)

	stored, ok := flexRepo.get("WT01")
	require.True(t, ok)
	assert.Nil(t, stored.GreetingSentAt)

	// Tick 2: the operator joined the conversation
	client.mu.Lock()
	client.participants["CH01"] = append(client.participants["CH01"], twilio.Participant{Sid: "MB02", Identity: "WK01"})
	client.mu.Unlock()

	svc.processFlex(context.Background())

	require.Len(t, client.posted, 1)
	assert.Equal(t, "WK01", client.posted[0].author)
	stored, _ = flexRepo.get("WT01")
	assert.NotNil(t, stored.GreetingSentAt)
}

func TestProcessFlex_ReArmsExistingEpoch(t *testing.T) {
	greetedAt := testNow.Add(-20 * time.Second)
	flexRepo := newMockFlexTaskRepository(&models.FlexTask{
		TaskSid:         "WT01",
		ConversationSid: "CH01",
		CustomerName:    "Ana",
		WorkerSid:       "WK01",
		WorkerName:      "Bia",
		GreetingSentAt:  &greetedAt,
	})
	client := newMockMessagingClient()
	seedFlexProviderTask(client, "WT01", "CH01", "WK01")
	sched := newMockScheduler()

	svc := newTestEngine(newMockTaskRepository(), flexRepo, client, sched, defaultTasksConfig(), "WS01")

	svc.processFlex(context.Background())

	assert.Empty(t, client.posted)
	anchor, armed := sched.anchorOf("WT01")
	require.True(t, armed)
	assert.Equal(t, greetedAt, anchor)
}

func TestProcessFlex_CustomerRepliedCancelsTimers(t *testing.T) {
	greetedAt := testNow.Add(-20 * time.Second)
	repliedAt := testNow.Add(-10 * time.Second)
	flexRepo := newMockFlexTaskRepository(&models.FlexTask{
		TaskSid:                "WT01",
		ConversationSid:        "CH01",
		GreetingSentAt:         &greetedAt,
		LastCustomerActivityAt: &repliedAt,
	})
	client := newMockMessagingClient()
	seedFlexProviderTask(client, "WT01", "CH01", "WK01")
	sched := newMockScheduler()
	sched.Schedule("WT01", greetedAt, func(string) {}, func(string) {})

	svc := newTestEngine(newMockTaskRepository(), flexRepo, client, sched, defaultTasksConfig(), "WS01")

	svc.processFlex(context.Background())

	assert.Empty(t, client.posted)
	assert.False(t, sched.Has("WT01"))
}

func TestHandleFlexPing(t *testing.T) {
	greetedAt := testNow.Add(-5 * time.Second)

	t.Run("posts ping as worker", func(t *testing.T) {
		flexRepo := newMockFlexTaskRepository(&models.FlexTask{
			TaskSid:         "WT01",
			ConversationSid: "CH01",
			CustomerName:    "Ana",
			WorkerSid:       "WK01",
			WorkerName:      "Bia",
			GreetingSentAt:  &greetedAt,
		})
		client := newMockMessagingClient()
		client.participants["CH01"] = []twilio.Participant{{Sid: "MB02", Identity: "WK01"}}

		svc := newTestEngine(newMockTaskRepository(), flexRepo, client, newMockScheduler(), defaultTasksConfig(), "WS01")

		svc.handleFlexPing("WT01")

		require.Len(t, client.posted, 1)
		assert.Equal(t, PingMessage("Ana"), client.posted[0].body)
		assert.Equal(t, "WK01", client.posted[0].author)

		stored, _ := flexRepo.get("WT01")
		require.NotNil(t, stored.PingSentAt)
		assert.Equal(t, testNow, *stored.PingSentAt)
	})

	t.Run("skips when worker participant missing", func(t *testing.T) {
		flexRepo := newMockFlexTaskRepository(&models.FlexTask{
			TaskSid:         "WT01",
			ConversationSid: "CH01",
			GreetingSentAt:  &greetedAt,
		})
		client := newMockMessagingClient()

		svc := newTestEngine(newMockTaskRepository(), flexRepo, client, newMockScheduler(), defaultTasksConfig(), "WS01")

		svc.handleFlexPing("WT01")

		assert.Empty(t, client.posted)
		stored, _ := flexRepo.get("WT01")
		assert.Nil(t, stored.PingSentAt)
	})

	t.Run("skips when customer replied", func(t *testing.T) {
		repliedAt := testNow.Add(-time.Second)
		flexRepo := newMockFlexTaskRepository(&models.FlexTask{
			TaskSid:                "WT01",
			ConversationSid:        "CH01",
			WorkerSid:              "WK01",
			GreetingSentAt:         &greetedAt,
			LastCustomerActivityAt: &repliedAt,
		})
		client := newMockMessagingClient()
		client.participants["CH01"] = []twilio.Participant{{Sid: "MB02", Identity: "WK01"}}

		svc := newTestEngine(newMockTaskRepository(), flexRepo, client, newMockScheduler(), defaultTasksConfig(), "WS01")

		svc.handleFlexPing("WT01")

		assert.Empty(t, client.posted)
	})
}

func TestHandleFlexInactive_ClosesConversationAndCompletesTask(t *testing.T) {
	greetedAt := testNow.Add(-30 * time.Second)
	flexRepo := newMockFlexTaskRepository(&models.FlexTask{
		TaskSid:         "WT01",
		ConversationSid: "CH01",
		CustomerName:    "Ana",
		WorkerSid:       "WK01",
		WorkerName:      "Bia",
		GreetingSentAt:  &greetedAt,
	})
	client := newMockMessagingClient()
	client.participants["CH01"] = []twilio.Participant{{Sid: "MB02", Identity: "WK01"}}
	sched := newMockScheduler()
	sched.Schedule("WT01", greetedAt, func(string) {}, func(string) {})

	svc := newTestEngine(newMockTaskRepository(), flexRepo, client, sched, defaultTasksConfig(), "WS01")

	svc.handleFlexInactive("WT01")

	require.Len(t, client.posted, 1)
	assert.Equal(t, ClosureMessage("Ana"), client.posted[0].body)

	stored, _ := flexRepo.get("WT01")
	require.NotNil(t, stored.InactiveSentAt)
	assert.Equal(t, []string{"CH01"}, client.closedConversations)
	assert.Equal(t, []string{"WT01"}, client.completedTasks)
	assert.False(t, sched.Has("WT01"))
}

func TestHandleFlexInactive_TeardownTogglesDisabled(t *testing.T) {
	greetedAt := testNow.Add(-30 * time.Second)
	flexRepo := newMockFlexTaskRepository(&models.FlexTask{
		TaskSid:         "WT01",
		ConversationSid: "CH01",
		WorkerSid:       "WK01",
		GreetingSentAt:  &greetedAt,
	})
	client := newMockMessagingClient()
	client.participants["CH01"] = []twilio.Participant{{Sid: "MB02", Identity: "WK01"}}

	cfg := defaultTasksConfig()
	cfg.FlexCloseConversation = false
	cfg.FlexCompleteTask = false
	svc := newTestEngine(newMockTaskRepository(), flexRepo, client, newMockScheduler(), cfg, "WS01")

	svc.handleFlexInactive("WT01")

	assert.Empty(t, client.closedConversations)
	assert.Empty(t, client.completedTasks)
	stored, _ := flexRepo.get("WT01")
	assert.NotNil(t, stored.InactiveSentAt)
}

func TestHandleFlexInactive_FallsBackToAutomationAuthor(t *testing.T) {
	greetedAt := testNow.Add(-30 * time.Second)
	flexRepo := newMockFlexTaskRepository(&models.FlexTask{
		TaskSid:         "WT01",
		ConversationSid: "CH01",
		GreetingSentAt:  &greetedAt,
	})
	client := newMockMessagingClient()
	// No participants resolvable as the worker

	svc := newTestEngine(newMockTaskRepository(), flexRepo, client, newMockScheduler(), defaultTasksConfig(), "WS01")

	svc.handleFlexInactive("WT01")

	require.Len(t, client.posted, 1)
	assert.Equal(t, "System", client.posted[0].author)
}

func TestResolveWorkerParticipant(t *testing.T) {
	tests := []struct {
		name             string
		participants     []twilio.Participant
		workerSid        string
		workerName       string
		customerAddress  string
		customerFrom     string
		expectedIdentity string
		expectedOK       bool
	}{
		{
			name: "identity matches worker sid",
			participants: []twilio.Participant{
				{Identity: "other"},
				{Identity: " wk01 "},
			},
			workerSid:        "WK01",
			expectedIdentity: " wk01 ",
			expectedOK:       true,
		},
		{
			name: "identity matches worker name",
			participants: []twilio.Participant{
				{Identity: "Bia"},
			},
			workerSid:        "WK01",
			workerName:       "bia",
			expectedIdentity: "Bia",
			expectedOK:       true,
		},
		{
			name: "attributes carry worker sid field",
			participants: []twilio.Participant{
				{Identity: "agent-7", Attributes: `{"worker_sid":"WK01"}`},
			},
			workerSid:        "WK01",
			expectedIdentity: "agent-7",
			expectedOK:       true,
		},
		{
			name: "raw attributes contain worker sid",
			participants: []twilio.Participant{
				{Identity: "agent-7", Attributes: `{"routing":{"reservation":"WK01-r1"}}`},
			},
			workerSid:        "WK01",
			expectedIdentity: "agent-7",
			expectedOK:       true,
		},
		{
			name: "single non-customer participant",
			participants: []twilio.Participant{
				{Address: "whatsapp:+551199"},
				{Identity: "agent-7"},
			},
			workerSid:        "WK99",
			customerAddress:  "whatsapp:+551199",
			expectedIdentity: "agent-7",
			expectedOK:       true,
		},
		{
			name: "ambiguous non-customer candidates",
			participants: []twilio.Participant{
				{Identity: "agent-7"},
				{Identity: "agent-8"},
			},
			workerSid:  "WK99",
			expectedOK: false,
		},
		{
			name: "only the customer present",
			participants: []twilio.Participant{
				{Address: "whatsapp:+551199"},
			},
			workerSid:       "WK01",
			customerAddress: "whatsapp:+551199",
			expectedOK:      false,
		},
		{
			name:       "no participants",
			workerSid:  "WK01",
			expectedOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, ok := resolveWorkerParticipant(tt.participants, tt.workerSid, tt.workerName, tt.customerAddress, tt.customerFrom)

			assert.Equal(t, tt.expectedOK, ok)
			if tt.expectedOK {
				assert.Equal(t, tt.expectedIdentity, identity)
			}
		})
	}
}

func TestWorkerDisplayName(t *testing.T) {
	tests := []struct {
		name         string
		attributes   string
		friendlyName string
		fallback     string
		expected     string
	}{
		{"full_name wins", `{"full_name":"Bia Souza"}`, "bia", "Atendente", "Bia Souza"},
		{"fullName casing", `{"fullName":"Bia Souza"}`, "bia", "Atendente", "Bia Souza"},
		{"name key", `{"name":"Bia"}`, "bia", "Atendente", "Bia"},
		{"friendly name next", `{}`, "bia", "Atendente", "bia"},
		{"fallback last", "", "", "Atendente", "Atendente"},
		{"whitespace ignored", `{"full_name":"  "}`, " ", "Atendente", "Atendente"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, workerDisplayName(tt.attributes, tt.friendlyName, tt.fallback))
		})
	}
}

func TestFlexCustomerName(t *testing.T) {
	tests := []struct {
		name       string
		attributes string
		expected   string
	}{
		{"customers.name wins", `{"customers":{"name":"Ana"},"friendlyName":"x","from":"y"}`, "Ana"},
		{"friendlyName next", `{"friendlyName":"Ana F","from":"y"}`, "Ana F"},
		{"from next", `{"from":"whatsapp:+5511"}`, "whatsapp:+5511"},
		{"fallback literal", `{}`, "cliente"},
		{"invalid json falls back", `not-json`, "cliente"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, flexCustomerName(tt.attributes))
		})
	}
}

func TestResolveWorkspace(t *testing.T) {
	t.Run("configured sid wins", func(t *testing.T) {
		client := newMockMessagingClient()
		svc := newTestEngine(newMockTaskRepository(), newMockFlexTaskRepository(), client, newMockScheduler(), defaultTasksConfig(), "WS42")

		assert.Equal(t, "WS42", svc.resolveWorkspace())
		assert.Empty(t, client.workspaces)
	})

	t.Run("single workspace is used", func(t *testing.T) {
		client := newMockMessagingClient()
		client.workspaces = []twilio.Workspace{{Sid: "WS01", FriendlyName: "Support"}}
		svc := newTestEngine(newMockTaskRepository(), newMockFlexTaskRepository(), client, newMockScheduler(), defaultTasksConfig(), "")

		assert.Equal(t, "WS01", svc.resolveWorkspace())
	})

	t.Run("single flex-named workspace is used", func(t *testing.T) {
		client := newMockMessagingClient()
		client.workspaces = []twilio.Workspace{
			{Sid: "WS01", FriendlyName: "Voice"},
			{Sid: "WS02", FriendlyName: "Flex Task Assignment"},
		}
		svc := newTestEngine(newMockTaskRepository(), newMockFlexTaskRepository(), client, newMockScheduler(), defaultTasksConfig(), "")

		assert.Equal(t, "WS02", svc.resolveWorkspace())
	})

	t.Run("ambiguous workspaces disable flex", func(t *testing.T) {
		client := newMockMessagingClient()
		client.workspaces = []twilio.Workspace{
			{Sid: "WS01", FriendlyName: "Flex A"},
			{Sid: "WS02", FriendlyName: "Flex B"},
		}
		svc := newTestEngine(newMockTaskRepository(), newMockFlexTaskRepository(), client, newMockScheduler(), defaultTasksConfig(), "")

		assert.Equal(t, "", svc.resolveWorkspace())
	})

	t.Run("listing error disables flex", func(t *testing.T) {
		client := newMockMessagingClient()
		client.workspacesErr = errors.New("auth failed")
		svc := newTestEngine(newMockTaskRepository(), newMockFlexTaskRepository(), client, newMockScheduler(), defaultTasksConfig(), "")

		assert.Equal(t, "", svc.resolveWorkspace())
	})
}

func TestResolveWorkerName(t *testing.T) {
	t.Run("stored real name preferred over fetch", func(t *testing.T) {
		client := newMockMessagingClient()
		svc := newTestEngine(newMockTaskRepository(), newMockFlexTaskRepository(), client, newMockScheduler(), defaultTasksConfig(), "WS01")

		existing := &models.FlexTask{TaskSid: "WT01", WorkerName: "Bia Souza"}
		name := svc.resolveWorkerName("WS01", "WK01", "bia.operator", existing)

		assert.Equal(t, "Bia Souza", name)
		assert.Zero(t, client.fetchWorkerCalls)
	})

	t.Run("fetch result is cached per process", func(t *testing.T) {
		client := newMockMessagingClient()
		client.workers["WK01"] = &twilio.Worker{Sid: "WK01", Attributes: `{"full_name":"Bia"}`}
		svc := newTestEngine(newMockTaskRepository(), newMockFlexTaskRepository(), client, newMockScheduler(), defaultTasksConfig(), "WS01")

		first := svc.resolveWorkerName("WS01", "WK01", "Atendente", nil)
		second := svc.resolveWorkerName("WS01", "WK01", "Atendente", nil)

		assert.Equal(t, "Bia", first)
		assert.Equal(t, "Bia", second)
		assert.Equal(t, 1, client.fetchWorkerCalls)
	})

	t.Run("fetch failure caches the fallback", func(t *testing.T) {
		client := newMockMessagingClient()
		client.workerErr = errors.New("timeout")
		svc := newTestEngine(newMockTaskRepository(), newMockFlexTaskRepository(), client, newMockScheduler(), defaultTasksConfig(), "WS01")

		first := svc.resolveWorkerName("WS01", "WK01", "bia.operator", nil)
		second := svc.resolveWorkerName("WS01", "WK01", "bia.operator", nil)

		assert.Equal(t, "bia.operator", first)
		assert.Equal(t, "bia.operator", second)
		assert.Equal(t, 1, client.fetchWorkerCalls)
	})
}
