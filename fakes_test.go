package giftpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/giftpipe/giftpipe/config"
	"github.com/giftpipe/giftpipe/database"
	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/internal/fulfillment"
	"github.com/giftpipe/giftpipe/internal/payments"
	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// fakeDatasource is an in-memory IDataSource with the same versioning and
// claim semantics as the postgres one.
type fakeDatasource struct {
	mu            sync.Mutex
	now           func() time.Time
	ids           int
	orders        map[string]*model.Order
	deliveries    map[string]*model.WebhookDeliveryLog
	refunds       []*model.RefundRequest
	alerts        []*model.AdminAlert
	cronLogs      []*model.CronExecutionLog
	notifications []*model.NotificationRequest
	costs         []model.CostEntry
	hashes        []model.ValidationHash
	audits        []*model.SecurityAuditLog
	profiles      map[string]*model.UserProfile
	updates       int

	// interfere runs inside the next interferences calls to UpdateOrder as a
	// concurrent writer that wins the race.
	interfere     func(stored *model.Order)
	interferences int

	// the next refundErrs refund inserts and notificationErrs notification
	// inserts fail.
	refundErrs       int
	notificationErrs int
}

var _ database.IDataSource = (*fakeDatasource)(nil)

func newFakeDatasource() *fakeDatasource {
	return &fakeDatasource{
		now:        time.Now,
		orders:     make(map[string]*model.Order),
		deliveries: make(map[string]*model.WebhookDeliveryLog),
		profiles:   make(map[string]*model.UserProfile),
	}
}

func (f *fakeDatasource) nextID(prefix string) string {
	f.ids++
	return fmt.Sprintf("%s_%d", prefix, f.ids)
}

func notFound(what, id string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s '%s' not found", what, id), nil)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneOrder(o *model.Order) *model.Order {
	c := *o
	c.DeliveryGroups = make([]model.DeliveryGroup, len(o.DeliveryGroups))
	for i, g := range o.DeliveryGroups {
		g.Items = append([]model.OrderItem(nil), g.Items...)
		c.DeliveryGroups[i] = g
	}
	if o.ShippingAddress != nil {
		addr := *o.ShippingAddress
		c.ShippingAddress = &addr
	}
	c.EstimatedDelivery = cloneTime(o.EstimatedDelivery)
	c.NextRetryAt = cloneTime(o.NextRetryAt)
	c.WebhookReceivedAt = cloneTime(o.WebhookReceivedAt)

	raw, err := json.Marshal(o.Notes)
	if err != nil {
		panic(err)
	}
	c.Notes = model.OrderNotes{}
	if err := json.Unmarshal(raw, &c.Notes); err != nil {
		panic(err)
	}
	return &c
}

func (f *fakeDatasource) put(o *model.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.Version == 0 {
		o.Version = 1
	}
	f.orders[o.ID] = cloneOrder(o)
}

// order returns the stored order, failing the test when it is missing.
func (f *fakeDatasource) order(t *testing.T, id string) *model.Order {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	require.True(t, ok, "order %s not stored", id)
	return cloneOrder(o)
}

func (f *fakeDatasource) alertsOfType(alertType string) []*model.AdminAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AdminAlert
	for _, a := range f.alerts {
		if a.AlertType == alertType {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeDatasource) notificationsOfType(eventType string) []*model.NotificationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.NotificationRequest
	for _, n := range f.notifications {
		if n.EventType == eventType {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeDatasource) delivery(eventID, eventType string) *model.WebhookDeliveryLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveries[eventID+"|"+eventType]
}

func (f *fakeDatasource) selectOrders(keep func(o *model.Order) bool, less func(a, b *model.Order) bool) []*model.Order {
	var out []*model.Order
	for _, o := range f.orders {
		if keep(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (f *fakeDatasource) GetOrderByID(_ context.Context, id string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, notFound("Order", id)
	}
	return cloneOrder(o), nil
}

func (f *fakeDatasource) GetOrderByRequestID(_ context.Context, requestID string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.FulfillmentRequestID == requestID {
			return cloneOrder(o), nil
		}
		for _, id := range o.Notes.SubRequestIDs {
			if id == requestID {
				return cloneOrder(o), nil
			}
		}
	}
	return nil, notFound("Order for request", requestID)
}

func (f *fakeDatasource) GetDueOrders(_ context.Context, cutoff, now time.Time) ([]*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selectOrders(func(o *model.Order) bool {
		return o.Status == model.OrderStatusScheduled &&
			!o.ScheduledDeliveryDate.After(cutoff) &&
			o.FundingStatus != model.FundingStatusAwaitingFunds &&
			(o.NextRetryAt == nil || !o.NextRetryAt.After(now))
	}, func(a, b *model.Order) bool {
		return a.ScheduledDeliveryDate.Before(b.ScheduledDeliveryDate)
	}), nil
}

func (f *fakeDatasource) GetRetryableOrders(_ context.Context, now time.Time) ([]*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selectOrders(func(o *model.Order) bool {
		return o.Status == model.OrderStatusRequiresAttention && o.NextRetryAt != nil && !o.NextRetryAt.After(now)
	}, func(a, b *model.Order) bool {
		return a.NextRetryAt.Before(*b.NextRetryAt)
	}), nil
}

func (f *fakeDatasource) GetMissedOrders(_ context.Context, now time.Time) ([]*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selectOrders(func(o *model.Order) bool {
		switch o.Status {
		case model.OrderStatusPending, model.OrderStatusScheduled, model.OrderStatusRequiresAttention:
			return o.ScheduledDeliveryDate.Before(now)
		}
		return false
	}, func(a, b *model.Order) bool {
		return a.ScheduledDeliveryDate.Before(b.ScheduledDeliveryDate)
	}), nil
}

func (f *fakeDatasource) GetStuckOrders(_ context.Context, updatedBefore time.Time, limit int) ([]*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.selectOrders(func(o *model.Order) bool {
		return o.Status == model.OrderStatusProcessing && o.FulfillmentRequestID == "" && o.UpdatedAt.Before(updatedBefore)
	}, func(a, b *model.Order) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDatasource) ClaimOrder(_ context.Context, id, from, to string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, notFound("Order", id)
	}
	if o.Status != from {
		return nil, nil
	}
	o.Status = to
	o.Version++
	o.UpdatedAt = f.now()
	return cloneOrder(o), nil
}

func (f *fakeDatasource) UpdateOrder(_ context.Context, o *model.Order) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.orders[o.ID]
	if !ok {
		return false, notFound("Order", o.ID)
	}
	if f.interfere != nil && f.interferences > 0 {
		f.interferences--
		f.interfere(stored)
		stored.Version++
	}
	if stored.Version != o.Version {
		return false, nil
	}
	c := cloneOrder(o)
	c.Version = o.Version + 1
	c.UpdatedAt = f.now()
	f.orders[o.ID] = c
	f.updates++
	o.Version = c.Version
	o.UpdatedAt = c.UpdatedAt
	return true, nil
}

func (f *fakeDatasource) IsOrderCancellable(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return false, notFound("Order", id)
	}
	for _, s := range database.CancellableStatuses {
		if o.Status == s {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDatasource) GetWebhookDelivery(_ context.Context, eventID, eventType string) (*model.WebhookDeliveryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.deliveries[eventID+"|"+eventType]
	if !ok {
		return nil, notFound("Webhook delivery", eventID)
	}
	c := *entry
	return &c, nil
}

func (f *fakeDatasource) ClaimWebhookDelivery(_ context.Context, entry *model.WebhookDeliveryLog, staleAfter time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entry.EventID + "|" + entry.EventType
	now := f.now()
	if existing, ok := f.deliveries[key]; ok {
		stale := existing.DeliveryStatus == model.DeliveryStatusReceived && existing.UpdatedAt.Before(now.Add(-staleAfter))
		if existing.DeliveryStatus != model.DeliveryStatusFailed && !stale {
			return false, nil
		}
	}
	f.ids++
	c := *entry
	c.ID = int64(f.ids)
	c.DeliveryStatus = model.DeliveryStatusReceived
	c.ErrorMessage = ""
	c.CreatedAt, c.UpdatedAt = now, now
	f.deliveries[key] = &c
	entry.DeliveryStatus = model.DeliveryStatusReceived
	return true, nil
}

func (f *fakeDatasource) setDeliveryStatus(eventID, eventType, status, orderID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.deliveries[eventID+"|"+eventType]
	if !ok {
		return notFound("Webhook delivery", eventID)
	}
	entry.DeliveryStatus = status
	if orderID != "" {
		entry.OrderID = orderID
	}
	entry.ErrorMessage = message
	entry.UpdatedAt = f.now()
	return nil
}

func (f *fakeDatasource) CompleteWebhookDelivery(_ context.Context, eventID, eventType, orderID string) error {
	return f.setDeliveryStatus(eventID, eventType, model.DeliveryStatusCompleted, orderID, "")
}

func (f *fakeDatasource) FailWebhookDelivery(_ context.Context, eventID, eventType, message string) error {
	return f.setDeliveryStatus(eventID, eventType, model.DeliveryStatusFailed, "", message)
}

func (f *fakeDatasource) CreateRefundRequest(_ context.Context, refund *model.RefundRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErrs > 0 {
		f.refundErrs--
		return false, errors.New("refund insert failed")
	}
	for _, r := range f.refunds {
		if r.OrderID == refund.OrderID && r.Status == model.RefundStatusPending {
			return false, nil
		}
	}
	refund.ID = f.nextID("rfd")
	c := *refund
	f.refunds = append(f.refunds, &c)
	return true, nil
}

func (f *fakeDatasource) GetPendingRefund(_ context.Context, orderID string) (*model.RefundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.refunds {
		if r.OrderID == orderID && r.Status == model.RefundStatusPending {
			c := *r
			return &c, nil
		}
	}
	return nil, notFound("Pending refund for order", orderID)
}

func (f *fakeDatasource) CreateAdminAlert(_ context.Context, alert *model.AdminAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	alert.ID = f.nextID("alert")
	c := *alert
	f.alerts = append(f.alerts, &c)
	return nil
}

func (f *fakeDatasource) AlertExists(_ context.Context, orderID, alertType string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.OrderID == orderID && a.AlertType == alertType && !a.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDatasource) CreateCronLog(_ context.Context, entry *model.CronExecutionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = f.nextID("cron")
	c := *entry
	c.Results = append([]model.OrderResult(nil), entry.Results...)
	f.cronLogs = append(f.cronLogs, &c)
	return nil
}

func (f *fakeDatasource) UpdateCronLog(_ context.Context, entry *model.CronExecutionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.cronLogs {
		if existing.ID == entry.ID {
			c := *entry
			c.Results = append([]model.OrderResult(nil), entry.Results...)
			f.cronLogs[i] = &c
			return nil
		}
	}
	return notFound("Cron log", entry.ID)
}

func (f *fakeDatasource) GetLastCronLog(_ context.Context, jobName string) (*model.CronExecutionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *model.CronExecutionLog
	for _, entry := range f.cronLogs {
		if entry.JobName == jobName && (last == nil || !entry.StartedAt.Before(last.StartedAt)) {
			last = entry
		}
	}
	if last == nil {
		return nil, notFound("Cron log for job", jobName)
	}
	c := *last
	return &c, nil
}

func (f *fakeDatasource) EnqueueNotification(_ context.Context, n *model.NotificationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notificationErrs > 0 {
		f.notificationErrs--
		return errors.New("notification insert failed")
	}
	for _, existing := range f.notifications {
		if n.DedupeKey != "" && existing.DedupeKey == n.DedupeKey {
			return nil
		}
	}
	n.ID = f.nextID("ntf")
	c := *n
	f.notifications = append(f.notifications, &c)
	return nil
}

func (f *fakeDatasource) SumCostSince(_ context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for _, c := range f.costs {
		if c.UserID == userID && !c.CreatedAt.Before(since) {
			total = total.Add(c.Amount)
		}
	}
	return total, nil
}

func (f *fakeDatasource) RecordCost(_ context.Context, entry model.CostEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.costs = append(f.costs, entry)
	return nil
}

func (f *fakeDatasource) ValidationHashExists(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.hashes {
		if h.Hash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDatasource) CountValidationsSince(_ context.Context, userID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	orders := make(map[string]struct{})
	for _, h := range f.hashes {
		if h.UserID == userID && !h.CreatedAt.Before(since) {
			orders[h.OrderID] = struct{}{}
		}
	}
	return len(orders), nil
}

func (f *fakeDatasource) RecordValidationHash(_ context.Context, entry model.ValidationHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes = append(f.hashes, entry)
	return nil
}

func (f *fakeDatasource) RecordSecurityAudit(_ context.Context, entry *model.SecurityAuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = f.nextID("audit")
	c := *entry
	f.audits = append(f.audits, &c)
	return nil
}

func (f *fakeDatasource) GetUserProfile(_ context.Context, userID string) (*model.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, notFound("Profile", userID)
	}
	c := *p
	return &c, nil
}

// fakeProvider scripts the fulfillment provider. Submit errors are consumed in
// order; a nil entry lets that call succeed.
type fakeProvider struct {
	mu         sync.Mutex
	submits    []fulfillment.SubmitRequest
	submitErrs []error
	retries    []string
	retryErr   error
	aborts     []string
	abortErr   error
	status     *fulfillment.StatusResponse
	statusErr  error
}

func (p *fakeProvider) Submit(_ context.Context, req fulfillment.SubmitRequest) (*fulfillment.SubmitResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits = append(p.submits, req)
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fulfillment.SubmitResponse{RequestID: fmt.Sprintf("req_%d", len(p.submits))}, nil
}

func (p *fakeProvider) GetStatus(_ context.Context, requestID string) (*fulfillment.StatusResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return nil, p.statusErr
	}
	if p.status != nil {
		return p.status, nil
	}
	return &fulfillment.StatusResponse{RequestID: requestID, Status: fulfillment.StatusProcessing}, nil
}

func (p *fakeProvider) Retry(_ context.Context, requestID string) (*fulfillment.SubmitResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = append(p.retries, requestID)
	if p.retryErr != nil {
		return nil, p.retryErr
	}
	return &fulfillment.SubmitResponse{RequestID: fmt.Sprintf("%s_retry%d", requestID, len(p.retries))}, nil
}

func (p *fakeProvider) Abort(_ context.Context, requestID string) (*fulfillment.StatusResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborts = append(p.aborts, requestID)
	if p.abortErr != nil {
		return nil, p.abortErr
	}
	return &fulfillment.StatusResponse{RequestID: requestID, Status: fulfillment.StatusAborted}, nil
}

type fakeGateway struct {
	result *payments.CaptureResult
	err    error
	calls  []payments.CaptureRequest
}

func (g *fakeGateway) Capture(_ context.Context, req payments.CaptureRequest) (*payments.CaptureResult, error) {
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

func testConfiguration(redisAddr string) *config.Configuration {
	return &config.Configuration{
		ProjectName: "Giftpipe",
		Redis:       config.RedisConfig{Dns: redisAddr},
		Fulfillment: config.FulfillmentConfig{
			BaseURL:               "https://fulfillment.test",
			Retailer:              "amazon",
			WebhookBaseURL:        "https://giftpipe.test",
			LeadTimeDays:          5,
			MaxPriceBufferPercent: 15,
		},
		Security: config.SecurityConfig{
			DailyOrderLimit:      10,
			DailySpendLimit:      "500.00",
			MonthlySpendLimit:    "5000.00",
			PatternWindowMinutes: 60,
			PatternThreshold:     5,
		},
		Scheduler:    config.SchedulerConfig{LockTTLSeconds: 60, StuckThresholdMinutes: 30, RecoveryIntervalSeconds: 300},
		Queue:        config.QueueConfig{BatchQueue: "giftpipe_batch", WebhookQueue: "giftpipe_webhooks", WebhookMaxRetry: 3},
		Notification: config.Notification{AdminEmail: "ops@giftpipe.test"},
	}
}

// testPipeline is a Giftpipe wired to in-memory fakes and a miniredis server.
type testPipeline struct {
	g        *Giftpipe
	ds       *fakeDatasource
	provider *fakeProvider
	gateway  *fakeGateway
	mr       *miniredis.Miniredis

	mu    sync.Mutex
	clock time.Time
}

func newTestPipeline(t *testing.T, configure ...func(*config.Configuration)) *testPipeline {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cnf := testConfiguration(mr.Addr())
	for _, c := range configure {
		c(cnf)
	}
	config.MockConfig(cnf)

	h := &testPipeline{
		ds:       newFakeDatasource(),
		provider: &fakeProvider{},
		gateway:  &fakeGateway{result: &payments.CaptureResult{Status: "succeeded", PaymentIntentID: "pi_1"}},
		mr:       mr,
		clock:    testNow,
	}
	h.ds.now = h.now

	g, err := NewGiftpipe(h.ds, WithProvider(h.provider), WithPaymentGateway(h.gateway), WithClock(h.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	h.g = g
	return h
}

func (h *testPipeline) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *testPipeline) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(d)
}

// newScheduledOrder returns a paid single-recipient order due inside the
// lead time.
func newScheduledOrder(id string) *model.Order {
	first, last := gofakeit.FirstName(), gofakeit.LastName()
	addr := model.Address{
		FirstName:   first,
		LastName:    last,
		Email:       "recipient@example.com",
		AddressLine: "1 Main St",
		City:        "Austin",
		State:       "TX",
		ZipCode:     "78701",
		Country:     "US",
	}
	return &model.Order{
		ID:                    id,
		OrderNumber:           "GP-" + id,
		UserID:                "user_1",
		Status:                model.OrderStatusScheduled,
		PaymentStatus:         model.PaymentStatusSucceeded,
		FundingStatus:         model.FundingStatusSucceeded,
		TotalAmount:           decimal.RequireFromString("40.00"),
		ScheduledDeliveryDate: testNow.AddDate(0, 0, 3),
		DeliveryGroups: []model.DeliveryGroup{{
			RecipientName: first + " " + last,
			Address:       addr,
			Items:         []model.OrderItem{{ProductID: "B000123", Quantity: 2, UnitPrice: decimal.RequireFromString("20.00")}},
		}},
		ShippingAddress: &addr,
		Version:         1,
		CreatedAt:       testNow.AddDate(0, 0, -7),
		UpdatedAt:       testNow.AddDate(0, 0, -7),
	}
}

// newSubmittedOrder returns an order the provider accepted as requestID.
func newSubmittedOrder(id, requestID string) *model.Order {
	o := newScheduledOrder(id)
	o.Status = model.OrderStatusProcessing
	o.FulfillmentRequestID = requestID
	o.WebhookToken = "tok_" + id
	o.Notes.SubRequestIDs = []string{requestID}
	return o
}
