package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/models"
	"bitbucket.org/volopa/masspay_backend/utils"
	"bitbucket.org/volopa/masspay_backend/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	clientMutexMap = make(map[string]*sync.Mutex)
	globalMutex    = &sync.Mutex{}
)

// RunPaymentsWorkflow starts a pull subscriber for deployments that do not
// use the /pubsub push endpoint (local dev, VM-based workers).
func RunPaymentsWorkflow() error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	// Create a callback function to handle messages.
	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.PubSubMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "paymentsWorkflow.go", "RunPaymentsWorkflow", "Unmarshaling pubsub message", msg.Data, err)
			// Poisoned payload: ack/drop to avoid infinite redelivery.
			msg.Ack()
			return
		}

		// Get or create the mutex for the current client
		globalMutex.Lock()
		mutex, exists := clientMutexMap[m.ClientId]
		if !exists {
			mutex = &sync.Mutex{}
			clientMutexMap[m.ClientId] = mutex
		}
		globalMutex.Unlock()

		// Lock the specific client mutex
		mutex.Lock()
		defer mutex.Unlock()

		ctx = utils.SetClientIdInContext(ctx, m.ClientId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, firstNonEmpty(m.CorrelationId, msg.ID))
		if err := ProcessMessage(ctx, logger, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "PaymentsWorkflow",
				"client_id":  m.ClientId,
				"event_type": m.EventType,
				"file_id":    m.FileId,
				"message_id": msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	// Receive messages.
	go func() {
		err := sub.Receive(ctx, callback)

		if err != nil {
			config.LogError(logger, "paymentsWorkflow.go", "RunPaymentsWorkflow", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// ProcessMessage consumes one outbox event. Idempotency brackets the dispatch
// in short transactions instead of one long one: execution calls the payment
// rail and must never hold a database transaction open across those calls.
func ProcessMessage(ctx context.Context, logger *logrus.Logger, m config.PubSubMessage) error {
	db := config.GetDB()
	handlerName := m.EventType
	messageId := strconv.Itoa(m.ID)

	var skip bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var beginErr error
		skip, beginErr = workflow.BeginIdempotency(tx, m.ClientId, handlerName, messageId)
		return beginErr
	})
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	if err := ProcessWorkflow(ctx, logger, m); err != nil {
		_ = workflow.MarkIdempotencyFailed(db.WithContext(ctx), m.ClientId, handlerName, messageId, err)
		return err
	}
	return workflow.MarkIdempotencySucceeded(db.WithContext(ctx), m.ClientId, handlerName, messageId)
}

// ProcessWorkflow routes an event to its handler. Notification-only events
// (terminal summaries, instruction failures) are consumed by downstream
// subscribers, not by this worker, so they ack without side effects.
func ProcessWorkflow(ctx context.Context, logger *logrus.Logger, msg config.PubSubMessage) error {
	switch models.PaymentEventType(msg.EventType) {
	case models.EventFileUploaded:
		return workflow.HandleFileUploaded(ctx, msg.ClientId, msg.FileId)
	case models.EventFileApproved:
		return workflow.ExecuteFile(ctx, msg.ClientId, msg.FileId, newRailExecutor())
	case models.EventFileAwaitingApproval,
		models.EventFileValidationFailed,
		models.EventFileCompleted,
		models.EventFileFailed,
		models.EventFileCancelled,
		models.EventInstructionFailed,
		models.EventFileStuckInProcessing:
		return nil
	}
	logger.WithFields(logrus.Fields{
		"field":      "PaymentsWorkflow",
		"event_type": msg.EventType,
		"message_id": msg.ID,
	}).Warn("unknown event type; dropping")
	return nil
}

// railExecutor submits single payments to the downstream payment rail over
// HTTP. With no PAYMENT_RAIL_URL configured it runs in sandbox mode and
// settles every instruction locally, which is what dev and CI use.
type railExecutor struct {
	baseURL string
	client  *http.Client
}

func newRailExecutor() *railExecutor {
	return &railExecutor{
		baseURL: os.Getenv("PAYMENT_RAIL_URL"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type railPaymentRequest struct {
	InstructionId int    `json:"instruction_id"`
	FileId        int    `json:"file_id"`
	BeneficiaryId int    `json:"beneficiary_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PurposeCode   string `json:"purpose_code,omitempty"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	IdempotencyId string `json:"idempotency_id"`
}

type railPaymentResponse struct {
	Status       string `json:"status"`
	ExternalRef  string `json:"external_ref"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (e *railExecutor) Execute(ctx context.Context, instruction models.PaymentInstruction) (workflow.ExecutionResult, error) {
	if e.baseURL == "" {
		return workflow.ExecutionResult{
			Success:     true,
			ExternalRef: "sandbox-" + uuid.NewString(),
		}, nil
	}

	// Instruction ID doubles as the rail-side idempotency key so a retried
	// submission can never produce a duplicate payment.
	reqBody, err := utils.MarshalToJSON(railPaymentRequest{
		InstructionId: instruction.ID,
		FileId:        instruction.FileId,
		BeneficiaryId: instruction.BeneficiaryId,
		Amount:        instruction.Amount.String(),
		Currency:      instruction.Currency,
		PurposeCode:   instruction.PurposeCode,
		InvoiceNumber: instruction.InvoiceNumber,
		IdempotencyId: fmt.Sprintf("masspay-%d-%d", instruction.FileId, instruction.ID),
	})
	if err != nil {
		return workflow.ExecutionResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/payments", strings.NewReader(reqBody))
	if err != nil {
		return workflow.ExecutionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("PAYMENT_RAIL_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// Network failures are retryable.
		return workflow.ExecutionResult{}, &workflow.TransientExecutionError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return workflow.ExecutionResult{}, &workflow.TransientExecutionError{Err: err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return workflow.ExecutionResult{}, &workflow.TransientExecutionError{
			Err: fmt.Errorf("rail returned %d: %s", resp.StatusCode, string(body)),
		}
	}

	var railResp railPaymentResponse
	if err := json.Unmarshal(body, &railResp); err != nil {
		return workflow.ExecutionResult{}, fmt.Errorf("malformed rail response (%d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 || railResp.Status == "rejected" {
		reason := railResp.ErrorMessage
		if reason == "" {
			reason = fmt.Sprintf("rail rejected the payment (%d)", resp.StatusCode)
		}
		if railResp.ErrorCode != "" {
			reason = railResp.ErrorCode + ": " + reason
		}
		return workflow.ExecutionResult{Success: false, FailureReason: reason}, nil
	}

	if railResp.ExternalRef == "" {
		return workflow.ExecutionResult{}, errors.New("rail accepted the payment but returned no external_ref")
	}
	return workflow.ExecutionResult{Success: true, ExternalRef: railResp.ExternalRef}, nil
}
