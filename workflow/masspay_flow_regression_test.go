package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/models"
	"bitbucket.org/volopa/masspay_backend/utils"
	"bitbucket.org/volopa/masspay_backend/workflow"
	"github.com/shopspring/decimal"
)

// stubExecutor settles every instruction except the row numbers listed in
// failRows, which fail permanently.
type stubExecutor struct {
	failRows map[int]bool
	calls    int
}

func (e *stubExecutor) Execute(_ context.Context, instruction models.PaymentInstruction) (workflow.ExecutionResult, error) {
	e.calls++
	if e.failRows[instruction.RowNumber] {
		return workflow.ExecutionResult{Success: false, FailureReason: "beneficiary account closed"}, nil
	}
	return workflow.ExecutionResult{Success: true, ExternalRef: fmt.Sprintf("ext-%d", instruction.ID)}, nil
}

type testTenant struct {
	clientId   string
	makerId    int
	checkerId  int
	directorId int
	director2  int
	gbpAccount int
}

// seedTenant provisions a client with a user-level limit table:
// checker 1000 GBP, both directors 100000 GBP. Dual threshold is 10000.
func seedTenant(t *testing.T, ctx context.Context, clientId string, balance decimal.Decimal) testTenant {
	t.Helper()
	db := config.GetDB()

	client := models.Client{
		ClientId:              clientId,
		Name:                  "Flow Test Ltd",
		Country:               "GB",
		DualApprovalThreshold: decimal.NewFromInt(10000),
		IsActive:              utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&client).Error; err != nil {
		t.Fatalf("create client: %v", err)
	}

	users := map[string]*models.User{
		"maker":     {ClientId: clientId, Username: clientId + ".maker", Name: "Maker", Password: "x", IsActive: utils.NewTrue()},
		"checker":   {ClientId: clientId, Username: clientId + ".checker", Name: "Checker", Password: "x", IsActive: utils.NewTrue()},
		"director":  {ClientId: clientId, Username: clientId + ".director", Name: "Director", Password: "x", IsActive: utils.NewTrue()},
		"director2": {ClientId: clientId, Username: clientId + ".director2", Name: "Director Two", Password: "x", IsActive: utils.NewTrue()},
	}
	for name, u := range users {
		if err := db.WithContext(ctx).Create(u).Error; err != nil {
			t.Fatalf("create user %s: %v", name, err)
		}
	}

	limits := []struct {
		userId int
		limit  int64
	}{
		{users["checker"].ID, 1000},
		{users["director"].ID, 100000},
		{users["director2"].ID, 100000},
	}
	for _, l := range limits {
		for _, currency := range []string{"GBP", "EUR"} {
			userId := l.userId
			row := models.ApprovalLimit{
				ClientId: clientId,
				UserId:   &userId,
				Currency: currency,
				Limit:    decimal.NewFromInt(l.limit),
			}
			if err := db.WithContext(ctx).Create(&row).Error; err != nil {
				t.Fatalf("create approval limit: %v", err)
			}
		}
	}

	account := models.FundingAccount{
		ClientId:         clientId,
		Name:             "GBP Wallet",
		Currency:         "GBP",
		Balance:          balance,
		AvailableBalance: balance,
		ReservedBalance:  decimal.Zero,
		IsActive:         utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&account).Error; err != nil {
		t.Fatalf("create funding account: %v", err)
	}

	return testTenant{
		clientId:   clientId,
		makerId:    users["maker"].ID,
		checkerId:  users["checker"].ID,
		directorId: users["director"].ID,
		director2:  users["director2"].ID,
		gbpAccount: account.ID,
	}
}

func seedGBPBeneficiary(t *testing.T, ctx context.Context, clientId, name string) int {
	t.Helper()
	b := models.Beneficiary{
		ClientId:      clientId,
		Name:          name,
		Currency:      "GBP",
		Country:       "GB",
		SortCode:      "20-00-00",
		AccountNumber: "12345678",
		IsActive:      utils.NewTrue(),
	}
	if err := config.GetDB().WithContext(ctx).Create(&b).Error; err != nil {
		t.Fatalf("create beneficiary: %v", err)
	}
	return b.ID
}

func fundingSnapshot(t *testing.T, ctx context.Context, clientId string, accountId int) models.FundingAccount {
	t.Helper()
	var account models.FundingAccount
	err := config.GetDB().WithContext(ctx).
		Where("client_id = ?", clientId).
		First(&account, accountId).Error
	if err != nil {
		t.Fatalf("fetch funding account: %v", err)
	}
	if !account.BalancesConsistent() {
		t.Fatalf("ledger invariant broken: balance=%s available=%s reserved=%s",
			account.Balance, account.AvailableBalance, account.ReservedBalance)
	}
	return account
}

func fetchFile(t *testing.T, ctx context.Context, clientId string, fileId int) *models.MassPaymentFile {
	t.Helper()
	file, err := models.FetchMassPaymentFile(ctx, clientId, fileId)
	if err != nil {
		t.Fatalf("fetch file %d: %v", fileId, err)
	}
	return file
}

func requireOutboxEvent(t *testing.T, ctx context.Context, clientId string, fileId int, eventType models.PaymentEventType) {
	t.Helper()
	var count int64
	err := config.GetDB().WithContext(ctx).Model(&models.PubSubMessageRecord{}).
		Where("client_id = ? AND file_id = ? AND event_type = ?", clientId, fileId, eventType).
		Count(&count).Error
	if err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected outbox event %s for file %d", eventType, fileId)
	}
}

func uniformRows(n int, beneficiaryId int, amount string) []models.RawRow {
	rows := make([]models.RawRow, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, models.RawRow{
			RowNumber: i,
			RawFields: map[string]string{
				"beneficiary_id": fmt.Sprintf("%d", beneficiaryId),
				"amount":         amount,
			},
		})
	}
	return rows
}

func integrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "masspay_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")
	return ctx
}

func TestMassPaymentLifecycleEndToEnd(t *testing.T) {
	ctx := integrationEnv(t)

	tenant := seedTenant(t, ctx, "flow-a", decimal.NewFromInt(100000))
	ctx = utils.SetClientIdInContext(ctx, tenant.clientId)
	beneficiary := seedGBPBeneficiary(t, ctx, tenant.clientId, "Acme Supplies")

	// --- Upload: 3 rows of 200 GBP.
	file, err := workflow.CreateMassPaymentFile(ctx, tenant.clientId, tenant.makerId, models.NewMassPaymentFile{
		FundingAccountId: tenant.gbpAccount,
		Currency:         "GBP",
		TotalAmount:      decimal.NewFromInt(600),
		Rows:             uniformRows(3, beneficiary, "200.00"),
	})
	if err != nil {
		t.Fatalf("CreateMassPaymentFile: %v", err)
	}
	if file.Status != models.FileStatusDraft {
		t.Fatalf("expected draft, got %s", file.Status)
	}
	requireOutboxEvent(t, ctx, tenant.clientId, file.ID, models.EventFileUploaded)

	// --- Validation via the worker handler.
	if err := workflow.HandleFileUploaded(ctx, tenant.clientId, file.ID); err != nil {
		t.Fatalf("HandleFileUploaded: %v", err)
	}
	got := fetchFile(t, ctx, tenant.clientId, file.ID)
	if got.Status != models.FileStatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", got.Status)
	}
	if got.ValidRecords != 3 || got.FailedRecords != 0 {
		t.Fatalf("unexpected record counts: %+v", got)
	}
	instructions, err := models.ListFileInstructions(ctx, tenant.clientId, file.ID)
	if err != nil || len(instructions) != 3 {
		t.Fatalf("expected 3 instructions, got %d (%v)", len(instructions), err)
	}
	requireOutboxEvent(t, ctx, tenant.clientId, file.ID, models.EventFileAwaitingApproval)

	// Redelivered file.uploaded must be a no-op.
	if err := workflow.HandleFileUploaded(ctx, tenant.clientId, file.ID); err != nil {
		t.Fatalf("redelivered HandleFileUploaded: %v", err)
	}

	// --- Approval guards.
	outcome, reason, err := workflow.ApproveFile(ctx, tenant.clientId, tenant.makerId, file.ID)
	if err != nil {
		t.Fatalf("self approval attempt: %v", err)
	}
	if outcome != models.ApprovalOutcomeDenied || reason == nil || *reason != models.DenialReasonSelfApproval {
		t.Fatalf("expected self_approval denial, got %s / %v", outcome, reason)
	}

	// Checker (limit 1000) approves the 600 file; below the dual threshold,
	// so a single approval suffices and the reservation happens here.
	outcome, reason, err = workflow.ApproveFile(ctx, tenant.clientId, tenant.checkerId, file.ID)
	if err != nil {
		t.Fatalf("checker approval: %v", err)
	}
	if outcome != models.ApprovalOutcomeApproved {
		t.Fatalf("expected approved, got %s / %v", outcome, reason)
	}
	account := fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount)
	if !account.ReservedBalance.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("expected 600 reserved, got %s", account.ReservedBalance)
	}
	sum, err := models.SumInstructionAmounts(ctx, tenant.clientId, file.ID)
	if err != nil || !sum.Equal(account.ReservedBalance) {
		t.Fatalf("instruction total %s does not match reservation %s (%v)", sum, account.ReservedBalance, err)
	}
	requireOutboxEvent(t, ctx, tenant.clientId, file.ID, models.EventFileApproved)

	// A second approval of an already-approved file is denied and must not
	// double-reserve.
	outcome, reason, err = workflow.ApproveFile(ctx, tenant.clientId, tenant.directorId, file.ID)
	if err != nil {
		t.Fatalf("repeat approval: %v", err)
	}
	if outcome != models.ApprovalOutcomeDenied || reason == nil || *reason != models.DenialReasonWrongState {
		t.Fatalf("expected wrong_state denial, got %s / %v", outcome, reason)
	}
	account = fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount)
	if !account.ReservedBalance.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("reservation changed on denied approval: %s", account.ReservedBalance)
	}

	// --- Execution.
	executor := &stubExecutor{}
	if err := workflow.ExecuteFile(ctx, tenant.clientId, file.ID, executor); err != nil {
		t.Fatalf("ExecuteFile: %v", err)
	}
	got = fetchFile(t, ctx, tenant.clientId, file.ID)
	if got.Status != models.FileStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil || got.ProcessingStartedAt == nil {
		t.Fatalf("execution timestamps not set: %+v", got)
	}
	instructions, _ = models.ListFileInstructions(ctx, tenant.clientId, file.ID)
	for _, ins := range instructions {
		if ins.Status != models.InstructionStatusCompleted || ins.ExternalRef == nil {
			t.Fatalf("instruction %d not settled: %+v", ins.ID, ins)
		}
	}
	account = fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount)
	if !account.ReservedBalance.IsZero() {
		t.Fatalf("reservation not cleared: %s", account.ReservedBalance)
	}
	if !account.Balance.Equal(decimal.NewFromInt(99400)) {
		t.Fatalf("expected balance 99400 after settlement, got %s", account.Balance)
	}
	requireOutboxEvent(t, ctx, tenant.clientId, file.ID, models.EventFileCompleted)

	// Redelivered file.approved after completion must be a no-op.
	if err := workflow.ExecuteFile(ctx, tenant.clientId, file.ID, executor); err != nil {
		t.Fatalf("redelivered ExecuteFile: %v", err)
	}
	if account2 := fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount); !account2.Balance.Equal(account.Balance) {
		t.Fatalf("redelivery moved money: %s -> %s", account.Balance, account2.Balance)
	}

	// --- Dual approval on a 15000 file.
	dualFile, err := workflow.CreateMassPaymentFile(ctx, tenant.clientId, tenant.makerId, models.NewMassPaymentFile{
		FundingAccountId: tenant.gbpAccount,
		Currency:         "GBP",
		TotalAmount:      decimal.NewFromInt(15000),
		Rows:             uniformRows(3, beneficiary, "5000.00"),
	})
	if err != nil {
		t.Fatalf("create dual-approval file: %v", err)
	}
	if err := workflow.HandleFileUploaded(ctx, tenant.clientId, dualFile.ID); err != nil {
		t.Fatalf("validate dual-approval file: %v", err)
	}

	// Checker's 1000 limit cannot touch a 15000 file.
	outcome, reason, _ = workflow.ApproveFile(ctx, tenant.clientId, tenant.checkerId, dualFile.ID)
	if outcome != models.ApprovalOutcomeDenied || reason == nil || *reason != models.DenialReasonLimitExceeded {
		t.Fatalf("expected limit_exceeded, got %s / %v", outcome, reason)
	}

	// Director's first approval only partially approves; nothing reserved yet.
	outcome, _, err = workflow.ApproveFile(ctx, tenant.clientId, tenant.directorId, dualFile.ID)
	if err != nil || outcome != models.ApprovalOutcomePartiallyApproved {
		t.Fatalf("expected partially_approved, got %s (%v)", outcome, err)
	}
	account = fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount)
	if !account.ReservedBalance.IsZero() {
		t.Fatalf("first approval reserved funds: %s", account.ReservedBalance)
	}

	// The same director cannot supply the second signature.
	outcome, reason, _ = workflow.ApproveFile(ctx, tenant.clientId, tenant.directorId, dualFile.ID)
	if outcome != models.ApprovalOutcomeDenied || reason == nil || *reason != models.DenialReasonRepeatApprover {
		t.Fatalf("expected repeat_approver, got %s / %v", outcome, reason)
	}

	// A distinct director completes it; reservation lands now.
	outcome, _, err = workflow.ApproveFile(ctx, tenant.clientId, tenant.director2, dualFile.ID)
	if err != nil || outcome != models.ApprovalOutcomeApproved {
		t.Fatalf("expected approved on second signature, got %s (%v)", outcome, err)
	}
	account = fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount)
	if !account.ReservedBalance.Equal(decimal.NewFromInt(15000)) {
		t.Fatalf("expected 15000 reserved, got %s", account.ReservedBalance)
	}
	approvers, err := models.CountFileApprovers(ctx, tenant.clientId, dualFile.ID)
	if err != nil || approvers != 2 {
		t.Fatalf("expected 2 distinct approvers, got %d (%v)", approvers, err)
	}

	// --- Cancelling the approved file releases its reservation.
	if err := workflow.CancelFile(ctx, tenant.clientId, dualFile.ID); err != nil {
		t.Fatalf("CancelFile: %v", err)
	}
	got = fetchFile(t, ctx, tenant.clientId, dualFile.ID)
	if got.Status != models.FileStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	account = fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount)
	if !account.ReservedBalance.IsZero() {
		t.Fatalf("cancel did not release reservation: %s", account.ReservedBalance)
	}
	counts, err := models.InstructionStatusCounts(ctx, tenant.clientId, dualFile.ID)
	if err != nil || counts[models.InstructionStatusCancelled] != 3 {
		t.Fatalf("expected 3 cancelled instructions, got %v (%v)", counts, err)
	}
	requireOutboxEvent(t, ctx, tenant.clientId, dualFile.ID, models.EventFileCancelled)

	// --- Insufficient funds: more than the account's available balance.
	bigFile, err := workflow.CreateMassPaymentFile(ctx, tenant.clientId, tenant.makerId, models.NewMassPaymentFile{
		FundingAccountId: tenant.gbpAccount,
		Currency:         "GBP",
		TotalAmount:      decimal.NewFromInt(100000),
		Rows:             uniformRows(2, beneficiary, "50000.00"),
	})
	if err != nil {
		t.Fatalf("create oversized file: %v", err)
	}
	if err := workflow.HandleFileUploaded(ctx, tenant.clientId, bigFile.ID); err != nil {
		t.Fatalf("validate oversized file: %v", err)
	}
	before := fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount)
	outcome, reason, err = workflow.ApproveFile(ctx, tenant.clientId, tenant.directorId, bigFile.ID)
	if err != nil {
		t.Fatalf("insufficient-funds approval: %v", err)
	}
	if outcome != models.ApprovalOutcomeDenied || reason == nil || *reason != models.DenialReasonInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %s / %v", outcome, reason)
	}
	got = fetchFile(t, ctx, tenant.clientId, bigFile.ID)
	if got.Status != models.FileStatusAwaitingApproval {
		t.Fatalf("failed reservation must leave the file awaiting_approval, got %s", got.Status)
	}
	after := fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount)
	if !after.AvailableBalance.Equal(before.AvailableBalance) {
		t.Fatalf("failed reservation moved funds: %s -> %s", before.AvailableBalance, after.AvailableBalance)
	}
}

func TestValidationFailureBlocksApprovalAndAllowsDelete(t *testing.T) {
	ctx := integrationEnv(t)

	tenant := seedTenant(t, ctx, "flow-b", decimal.NewFromInt(10000))
	ctx = utils.SetClientIdInContext(ctx, tenant.clientId)

	// EUR beneficiary with no stored IBAN; EUR funding account.
	noIban := models.Beneficiary{
		ClientId: tenant.clientId, Name: "No-IBAN GmbH", Currency: "EUR", Country: "DE",
		IsActive: utils.NewTrue(),
	}
	if err := config.GetDB().WithContext(ctx).Create(&noIban).Error; err != nil {
		t.Fatalf("create beneficiary: %v", err)
	}
	eurAccount := models.FundingAccount{
		ClientId: tenant.clientId, Name: "EUR Wallet", Currency: "EUR",
		Balance: decimal.NewFromInt(10000), AvailableBalance: decimal.NewFromInt(10000),
		IsActive: utils.NewTrue(),
	}
	if err := config.GetDB().WithContext(ctx).Create(&eurAccount).Error; err != nil {
		t.Fatalf("create EUR account: %v", err)
	}

	file, err := workflow.CreateMassPaymentFile(ctx, tenant.clientId, tenant.makerId, models.NewMassPaymentFile{
		FundingAccountId: eurAccount.ID,
		Currency:         "EUR",
		TotalAmount:      decimal.NewFromInt(300),
		Rows: []models.RawRow{
			{RowNumber: 1, RawFields: map[string]string{"beneficiary_id": fmt.Sprintf("%d", noIban.ID), "amount": "100.00", "iban": "DE89370400440532013000"}},
			{RowNumber: 2, RawFields: map[string]string{"beneficiary_id": fmt.Sprintf("%d", noIban.ID), "amount": "200.00"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateMassPaymentFile: %v", err)
	}

	if err := workflow.HandleFileUploaded(ctx, tenant.clientId, file.ID); err != nil {
		t.Fatalf("HandleFileUploaded: %v", err)
	}
	got := fetchFile(t, ctx, tenant.clientId, file.ID)
	if got.Status != models.FileStatusValidationFailed {
		t.Fatalf("expected validation_failed, got %s", got.Status)
	}
	if got.ValidRecords != 1 || got.FailedRecords != 1 {
		t.Fatalf("unexpected record counts: valid=%d failed=%d", got.ValidRecords, got.FailedRecords)
	}
	foundIbanError := false
	for _, e := range got.RowErrors {
		if e.RowNumber == 2 && e.Field == "iban" {
			foundIbanError = true
		}
	}
	if !foundIbanError {
		t.Fatalf("expected row 2 iban error, got %v", got.RowErrors)
	}
	requireOutboxEvent(t, ctx, tenant.clientId, file.ID, models.EventFileValidationFailed)

	// All-or-nothing: the valid row must not have produced an instruction.
	instructions, err := models.ListFileInstructions(ctx, tenant.clientId, file.ID)
	if err != nil || len(instructions) != 0 {
		t.Fatalf("expected no instructions for a failed file, got %d (%v)", len(instructions), err)
	}

	// A failed-validation file can never be approved.
	outcome, reason, err := workflow.ApproveFile(ctx, tenant.clientId, tenant.directorId, file.ID)
	if err != nil {
		t.Fatalf("approval of failed file: %v", err)
	}
	if outcome != models.ApprovalOutcomeDenied || reason == nil || *reason != models.DenialReasonWrongState {
		t.Fatalf("expected wrong_state denial, got %s / %v", outcome, reason)
	}

	// But it can be deleted.
	if err := workflow.DeleteFile(ctx, tenant.clientId, file.ID); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := models.FetchMassPaymentFile(ctx, tenant.clientId, file.ID); err == nil {
		t.Fatal("deleted file still fetchable")
	}

	// --- A file stranded in validating (worker died after the
	// begin-validation commit) must finish validation on redelivery.
	stranded, err := workflow.CreateMassPaymentFile(ctx, tenant.clientId, tenant.makerId, models.NewMassPaymentFile{
		FundingAccountId: eurAccount.ID,
		Currency:         "EUR",
		TotalAmount:      decimal.NewFromInt(50),
		Rows: []models.RawRow{
			{RowNumber: 1, RawFields: map[string]string{"beneficiary_id": fmt.Sprintf("%d", noIban.ID), "amount": "50.00", "iban": "DE89370400440532013000"}},
		},
	})
	if err != nil {
		t.Fatalf("create stranded file: %v", err)
	}
	err = config.GetDB().WithContext(ctx).Model(&models.MassPaymentFile{}).
		Where("id = ?", stranded.ID).
		Update("status", models.FileStatusValidating).Error
	if err != nil {
		t.Fatalf("strand file in validating: %v", err)
	}
	if err := workflow.HandleFileUploaded(ctx, tenant.clientId, stranded.ID); err != nil {
		t.Fatalf("redelivery while validating: %v", err)
	}
	got = fetchFile(t, ctx, tenant.clientId, stranded.ID)
	if got.Status != models.FileStatusAwaitingApproval {
		t.Fatalf("stranded file did not resume validation, got %s", got.Status)
	}
	instructions, err = models.ListFileInstructions(ctx, tenant.clientId, stranded.ID)
	if err != nil || len(instructions) != 1 {
		t.Fatalf("expected 1 instruction after resumed validation, got %d (%v)", len(instructions), err)
	}
}

func TestPartialExecutionSettlesAndReleasesPerInstruction(t *testing.T) {
	ctx := integrationEnv(t)

	tenant := seedTenant(t, ctx, "flow-c", decimal.NewFromInt(50000))
	ctx = utils.SetClientIdInContext(ctx, tenant.clientId)
	beneficiary := seedGBPBeneficiary(t, ctx, tenant.clientId, "Bulk Payee")

	// 100 rows of 10 GBP; rows 1..10 will fail at the rail.
	t.Setenv("EXECUTION_CHUNK_SIZE", "30")
	file, err := workflow.CreateMassPaymentFile(ctx, tenant.clientId, tenant.makerId, models.NewMassPaymentFile{
		FundingAccountId: tenant.gbpAccount,
		Currency:         "GBP",
		TotalAmount:      decimal.NewFromInt(1000),
		Rows:             uniformRows(100, beneficiary, "10.00"),
	})
	if err != nil {
		t.Fatalf("CreateMassPaymentFile: %v", err)
	}
	if err := workflow.HandleFileUploaded(ctx, tenant.clientId, file.ID); err != nil {
		t.Fatalf("HandleFileUploaded: %v", err)
	}
	outcome, reason, err := workflow.ApproveFile(ctx, tenant.clientId, tenant.checkerId, file.ID)
	if err != nil || outcome != models.ApprovalOutcomeApproved {
		t.Fatalf("approval failed: %s / %v (%v)", outcome, reason, err)
	}

	failRows := map[int]bool{}
	for i := 1; i <= 10; i++ {
		failRows[i] = true
	}
	executor := &stubExecutor{failRows: failRows}
	if err := workflow.ExecuteFile(ctx, tenant.clientId, file.ID, executor); err != nil {
		t.Fatalf("ExecuteFile: %v", err)
	}

	// Partial failure still completes the file.
	got := fetchFile(t, ctx, tenant.clientId, file.ID)
	if got.Status != models.FileStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	counts, err := models.InstructionStatusCounts(ctx, tenant.clientId, file.ID)
	if err != nil {
		t.Fatalf("InstructionStatusCounts: %v", err)
	}
	if counts[models.InstructionStatusCompleted] != 90 || counts[models.InstructionStatusFailed] != 10 {
		t.Fatalf("expected 90 completed / 10 failed, got %v", counts)
	}

	// Ledger: 900 settled, 100 released, nothing still reserved.
	account := fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount)
	if !account.ReservedBalance.IsZero() {
		t.Fatalf("reservation not fully unwound: %s", account.ReservedBalance)
	}
	if !account.Balance.Equal(decimal.NewFromInt(49100)) {
		t.Fatalf("expected balance 49100, got %s", account.Balance)
	}
	if !account.AvailableBalance.Equal(decimal.NewFromInt(49100)) {
		t.Fatalf("expected available 49100, got %s", account.AvailableBalance)
	}

	// Each failed instruction carries its reason and an instruction.failed event.
	var failed []models.PaymentInstruction
	err = config.GetDB().WithContext(ctx).
		Where("client_id = ? AND file_id = ? AND status = ?", tenant.clientId, file.ID, models.InstructionStatusFailed).
		Find(&failed).Error
	if err != nil {
		t.Fatalf("list failed instructions: %v", err)
	}
	for _, ins := range failed {
		if ins.RowNumber > 10 {
			t.Fatalf("wrong instruction failed: row %d", ins.RowNumber)
		}
		if ins.FailureReason == nil || *ins.FailureReason == "" {
			t.Fatalf("failed instruction %d has no reason", ins.ID)
		}
	}
	var eventCount int64
	err = config.GetDB().WithContext(ctx).Model(&models.PubSubMessageRecord{}).
		Where("client_id = ? AND file_id = ? AND event_type = ?", tenant.clientId, file.ID, models.EventInstructionFailed).
		Count(&eventCount).Error
	if err != nil || eventCount != 10 {
		t.Fatalf("expected 10 instruction.failed events, got %d (%v)", eventCount, err)
	}
	requireOutboxEvent(t, ctx, tenant.clientId, file.ID, models.EventFileCompleted)
}

// countingExecutor settles every instruction slowly, counting calls; used to
// widen the race window for the single-execution guarantee.
type countingExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExecutor) Execute(_ context.Context, instruction models.PaymentInstruction) (workflow.ExecutionResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	return workflow.ExecutionResult{Success: true, ExternalRef: fmt.Sprintf("ext-%d", instruction.ID)}, nil
}

func (e *countingExecutor) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestConcurrentExecutionRunsOnce(t *testing.T) {
	ctx := integrationEnv(t)

	tenant := seedTenant(t, ctx, "flow-d", decimal.NewFromInt(10000))
	ctx = utils.SetClientIdInContext(ctx, tenant.clientId)
	beneficiary := seedGBPBeneficiary(t, ctx, tenant.clientId, "Race Payee")

	file, err := workflow.CreateMassPaymentFile(ctx, tenant.clientId, tenant.makerId, models.NewMassPaymentFile{
		FundingAccountId: tenant.gbpAccount,
		Currency:         "GBP",
		TotalAmount:      decimal.NewFromInt(500),
		Rows:             uniformRows(5, beneficiary, "100.00"),
	})
	if err != nil {
		t.Fatalf("CreateMassPaymentFile: %v", err)
	}
	if err := workflow.HandleFileUploaded(ctx, tenant.clientId, file.ID); err != nil {
		t.Fatalf("HandleFileUploaded: %v", err)
	}
	outcome, reason, err := workflow.ApproveFile(ctx, tenant.clientId, tenant.checkerId, file.ID)
	if err != nil || outcome != models.ApprovalOutcomeApproved {
		t.Fatalf("approval failed: %s / %v (%v)", outcome, reason, err)
	}

	// Two workers race the same file.approved delivery. The per-file lock
	// must let exactly one of them drive execution; the loser either fails
	// to acquire or arrives after completion and no-ops.
	executor := &countingExecutor{}
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = workflow.ExecuteFile(ctx, tenant.clientId, file.ID, executor)
		}()
	}
	wg.Wait()

	if executor.total() != 5 {
		t.Fatalf("expected each instruction executed exactly once (5 calls), got %d", executor.total())
	}
	got := fetchFile(t, ctx, tenant.clientId, file.ID)
	if got.Status != models.FileStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	account := fundingSnapshot(t, ctx, tenant.clientId, tenant.gbpAccount)
	if !account.Balance.Equal(decimal.NewFromInt(9500)) {
		t.Fatalf("expected balance 9500 after single settlement, got %s", account.Balance)
	}
	if !account.ReservedBalance.IsZero() {
		t.Fatalf("reservation not cleared: %s", account.ReservedBalance)
	}

	payees, err := models.ListFileBeneficiaries(ctx, tenant.clientId, file.ID)
	if err != nil {
		t.Fatalf("ListFileBeneficiaries: %v", err)
	}
	if len(payees) != 1 || payees[0].ID != beneficiary {
		t.Fatalf("expected only the file's own beneficiary, got %v", payees)
	}
	if foreign, err := models.ListFileBeneficiaries(ctx, "some-other-client", file.ID); err != nil || len(foreign) != 0 {
		t.Fatalf("another tenant must not see this file's beneficiaries, got %d (%v)", len(foreign), err)
	}
}

func TestBeneficiaryAndUserIntake(t *testing.T) {
	ctx := integrationEnv(t)

	tenant := seedTenant(t, ctx, "flow-e", decimal.NewFromInt(1000))
	ctx = utils.SetClientIdInContext(ctx, tenant.clientId)

	// GBP beneficiaries need sort code + account number.
	missing := models.NewBeneficiary{
		Name:     "No Details Ltd",
		Currency: "GBP",
		Country:  "GB",
	}
	if err := missing.Validate(ctx, tenant.clientId); err == nil {
		t.Fatal("GBP beneficiary without sort code/account number accepted")
	}

	valid := models.NewBeneficiary{
		Name:          "Proper Payee Ltd",
		Currency:      "GBP",
		Country:       "GB",
		SortCode:      "40-00-01",
		AccountNumber: "87654321",
	}
	if err := valid.Validate(ctx, tenant.clientId); err != nil {
		t.Fatalf("valid beneficiary rejected: %v", err)
	}
	created := models.Beneficiary{
		ClientId:      tenant.clientId,
		Name:          valid.Name,
		Currency:      valid.Currency,
		Country:       valid.Country,
		SortCode:      valid.SortCode,
		AccountNumber: valid.AccountNumber,
		IsActive:      utils.NewTrue(),
	}
	if err := config.GetDB().WithContext(ctx).Create(&created).Error; err != nil {
		t.Fatalf("create beneficiary: %v", err)
	}

	listed, err := models.ListBeneficiariesByCurrency(ctx, tenant.clientId, "GBP")
	if err != nil {
		t.Fatalf("ListBeneficiariesByCurrency: %v", err)
	}
	found := false
	for _, b := range listed {
		if b.ID == created.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("created beneficiary missing from currency listing: %v", listed)
	}
	if others, err := models.ListBeneficiariesByCurrency(ctx, tenant.clientId, "EUR"); err != nil || len(others) != 0 {
		t.Fatalf("EUR listing should be empty, got %d (%v)", len(others), err)
	}

	// Usernames are globally unique.
	dup := models.NewUser{
		Username: tenant.clientId + ".maker",
		Name:     "Duplicate",
		Password: "x",
	}
	if err := dup.Validate(ctx); err == nil {
		t.Fatal("duplicate username accepted")
	}
	fresh := models.NewUser{
		Username: tenant.clientId + ".ops",
		Name:     "Ops",
		Password: "x",
	}
	if err := fresh.Validate(ctx); err != nil {
		t.Fatalf("valid user rejected: %v", err)
	}

	// A missing user is a not-found, never a masked internal error.
	if _, err := models.FetchUserWithRoles(ctx, tenant.clientId, 999999); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected record-not-found for missing user, got %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("masspay-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("masspay-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=masspay_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
