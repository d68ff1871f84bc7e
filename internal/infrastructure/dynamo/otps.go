package dynamo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/loyalty-otp/internal/domain"
)

// recordRetention keeps records past expiry so rate-limit windows and the
// "expired" answer on verify still see them before TTL reaps them.
const recordRetention = 24 * time.Hour

const guardPrefix = "reset-guard#"

// otpItem is the stored shape of an OTP record. Times are Unix milliseconds
// so the created_at sort key orders numerically.
type otpItem struct {
	ID             string `dynamodbav:"id"`
	ContactPurpose string `dynamodbav:"contact_purpose"`
	Email          string `dynamodbav:"email,omitempty"`
	Phone          string `dynamodbav:"phone,omitempty"`
	Code           string `dynamodbav:"otp_code"`
	Purpose        string `dynamodbav:"purpose"`
	DeliveryMethod string `dynamodbav:"delivery_method"`
	CreatedAt      int64  `dynamodbav:"created_at"`
	ExpiresAt      int64  `dynamodbav:"expires_at"`
	ExpiresAtTTL   int64  `dynamodbav:"expires_at_ttl"`
	UsedAt         *int64 `dynamodbav:"used_at,omitempty"`
	AttemptsCount  int    `dynamodbav:"attempts_count"`
	MaxAttempts    int    `dynamodbav:"max_attempts"`
}

// guardItem marks the single active password-reset record of a contact.
type guardItem struct {
	ID           string `dynamodbav:"id"`
	OTPID        string `dynamodbav:"otp_id"`
	ExpiresAt    int64  `dynamodbav:"expires_at"`
	ExpiresAtTTL int64  `dynamodbav:"expires_at_ttl"`
	Released     bool   `dynamodbav:"released"`
}

func contactPurpose(contact domain.ContactRef, purpose domain.Purpose) string {
	return contact.Key() + "#" + string(purpose)
}

func guardID(contact domain.ContactRef) string { return guardPrefix + contact.Key() }

func toOTPItem(r *domain.OTPRecord) otpItem {
	it := otpItem{
		ID:             r.ID,
		ContactPurpose: contactPurpose(r.Contact, r.Purpose),
		Email:          r.Contact.Email,
		Phone:          r.Contact.Phone,
		Code:           r.Code,
		Purpose:        string(r.Purpose),
		DeliveryMethod: string(r.DeliveryMethod),
		CreatedAt:      millis(r.CreatedAt),
		ExpiresAt:      millis(r.ExpiresAt),
		ExpiresAtTTL:   r.ExpiresAt.Add(recordRetention).Unix(),
		AttemptsCount:  r.AttemptsCount,
		MaxAttempts:    r.MaxAttempts,
	}
	if r.UsedAt != nil {
		ms := millis(*r.UsedAt)
		it.UsedAt = &ms
	}
	return it
}

func (it otpItem) record() *domain.OTPRecord {
	r := &domain.OTPRecord{
		ID:             it.ID,
		Contact:        domain.ContactRef{Email: it.Email, Phone: it.Phone},
		Code:           it.Code,
		Purpose:        domain.Purpose(it.Purpose),
		DeliveryMethod: domain.DeliveryMethod(it.DeliveryMethod),
		CreatedAt:      fromMillis(it.CreatedAt),
		ExpiresAt:      fromMillis(it.ExpiresAt),
		AttemptsCount:  it.AttemptsCount,
		MaxAttempts:    it.MaxAttempts,
	}
	if it.UsedAt != nil {
		t := fromMillis(*it.UsedAt)
		r.UsedAt = &t
	}
	return r
}

// OTPRepo stores OTP records in a single table keyed by id, with a GSI on
// contact_purpose + created_at for per-contact lookups.
type OTPRepo struct {
	client    API
	tableName string
}

func NewOTPRepo(client API, tableName string) *OTPRepo {
	return &OTPRepo{client: client, tableName: tableName}
}

func (r *OTPRepo) Create(ctx context.Context, rec *domain.OTPRecord) error {
	if err := rec.Contact.Validate(); err != nil {
		return fmt.Errorf("create otp: %w", domain.ErrBadRequest)
	}
	item, err := attributevalue.MarshalMap(toOTPItem(rec))
	if err != nil {
		return fmt.Errorf("marshal otp: %w", err)
	}
	put := &types.Put{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	}

	if rec.Purpose != domain.PurposePasswordReset {
		_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           put.TableName,
			Item:                put.Item,
			ConditionExpression: put.ConditionExpression,
		})
		if isConditionFailed(err) {
			return fmt.Errorf("otp %s: %w", rec.ID, domain.ErrConflict)
		}
		return err
	}

	guard, err := attributevalue.MarshalMap(guardItem{
		ID:           guardID(rec.Contact),
		OTPID:        rec.ID,
		ExpiresAt:    millis(rec.ExpiresAt),
		ExpiresAtTTL: rec.ExpiresAt.Add(recordRetention).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal reset guard: %w", err)
	}
	in := &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: put},
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                guard,
				ConditionExpression: aws.String("attribute_not_exists(id) OR expires_at <= :now OR released = :released"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":now":      numVal(millis(rec.CreatedAt)),
					":released": boolVal(true),
				},
			}},
		},
	}
	_, err = r.client.TransactWriteItems(ctx, in)
	if cancelledAt(err, 1) {
		reclaimed, rerr := r.reclaimStaleGuard(ctx, rec.Contact, rec.CreatedAt)
		if rerr != nil {
			return fmt.Errorf("create reset otp: %w", rerr)
		}
		if reclaimed {
			_, err = r.client.TransactWriteItems(ctx, in)
		}
	}
	switch {
	case err == nil:
		return nil
	case cancelledAt(err, 1):
		return domain.ErrActiveOTPExists
	case cancelledAt(err, 0):
		return fmt.Errorf("otp %s: %w", rec.ID, domain.ErrConflict)
	}
	return fmt.Errorf("create reset otp: %w", err)
}

// reclaimStaleGuard releases a held guard whose record is no longer active,
// which happens when an earlier best-effort release did not go through.
// It reports whether the guard was released.
func (r *OTPRepo) reclaimStaleGuard(ctx context.Context, contact domain.ContactRef, now time.Time) (bool, error) {
	gout, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey(fieldID, guardID(contact)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("get reset guard: %w", err)
	}
	if len(gout.Item) == 0 {
		return false, nil
	}
	var g guardItem
	if err := attributevalue.UnmarshalMap(gout.Item, &g); err != nil {
		return false, err
	}

	owner, err := r.getItem(ctx, g.OTPID)
	if err != nil {
		return false, err
	}
	if owner != nil && owner.record().IsActive(now) {
		return false, nil
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey(fieldID, g.ID),
		UpdateExpression:          aws.String("SET #rel = :rel"),
		ConditionExpression:       aws.String("#otp = :otp"),
		ExpressionAttributeNames:  map[string]string{"#rel": fieldReleased, "#otp": fieldOTPID},
		ExpressionAttributeValues: map[string]types.AttributeValue{":rel": boolVal(true), ":otp": strVal(g.OTPID)},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release stale reset guard: %w", err)
	}
	slog.Warn("released stale reset guard", "otp_id", g.OTPID)
	return true, nil
}

// getItem returns nil when no record has the id.
func (r *OTPRepo) getItem(ctx context.Context, id string) (*otpItem, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey(fieldID, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get otp: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it otpItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *OTPRepo) FindLatest(ctx context.Context, contact domain.ContactRef, purpose domain.Purpose) (*domain.OTPRecord, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(r.tableName),
		IndexName:                aws.String(indexContactCreatedAt),
		KeyConditionExpression:   aws.String("#cp = :cp"),
		ExpressionAttributeNames: map[string]string{"#cp": fieldContactPurpose},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cp": strVal(contactPurpose(contact, purpose)),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query latest otp: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("otp: %w", domain.ErrNotFound)
	}
	var it otpItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &it); err != nil {
		return nil, err
	}
	return it.record(), nil
}

func (r *OTPRepo) CountSince(ctx context.Context, contact domain.ContactRef, purpose domain.Purpose, since time.Time) (int, error) {
	p := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                aws.String(r.tableName),
		IndexName:                aws.String(indexContactCreatedAt),
		KeyConditionExpression:   aws.String("#cp = :cp AND #ca >= :since"),
		ExpressionAttributeNames: map[string]string{"#cp": fieldContactPurpose, "#ca": fieldCreatedAt},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cp":    strVal(contactPurpose(contact, purpose)),
			":since": numVal(millis(since)),
		},
		Select: types.SelectCount,
	})
	total := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("count otps: %w", err)
		}
		total += int(page.Count)
	}
	return total, nil
}

func (r *OTPRepo) FindActive(ctx context.Context, contact domain.ContactRef, purpose domain.Purpose, now time.Time) ([]domain.OTPRecord, error) {
	return r.queryActive(ctx, contact, purpose, now, "", 0)
}

func (r *OTPRepo) FindForVerification(ctx context.Context, contact domain.ContactRef, code string, purpose domain.Purpose, now time.Time) (*domain.OTPRecord, error) {
	recs, err := r.queryActive(ctx, contact, purpose, now, code, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("otp: %w", domain.ErrNotFound)
	}
	return &recs[0], nil
}

// queryActive walks the contact's records newest first, keeping those that
// are unexpired, unused and under their attempt limit. When code is set only
// matching records are kept; limit 0 means no limit.
func (r *OTPRepo) queryActive(ctx context.Context, contact domain.ContactRef, purpose domain.Purpose, now time.Time, code string, limit int) ([]domain.OTPRecord, error) {
	filter := "#ea > :now AND attribute_not_exists(#ua) AND #ac < #ma"
	names := map[string]string{
		"#cp": fieldContactPurpose,
		"#ea": fieldExpiresAt,
		"#ua": fieldUsedAt,
		"#ac": fieldAttemptsCount,
		"#ma": fieldMaxAttempts,
	}
	values := map[string]types.AttributeValue{
		":cp":  strVal(contactPurpose(contact, purpose)),
		":now": numVal(millis(now)),
	}
	if code != "" {
		filter += " AND #code = :code"
		names["#code"] = fieldCode
		values[":code"] = strVal(code)
	}

	p := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(indexContactCreatedAt),
		KeyConditionExpression:    aws.String("#cp = :cp"),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
	})
	var out []domain.OTPRecord
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query active otps: %w", err)
		}
		var items []otpItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			out = append(out, *it.record())
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// eligible is the condition shared by every state-changing update.
const eligible = "attribute_exists(#id) AND attribute_not_exists(#ua) AND #ac < #ma"

func eligibleNames() map[string]string {
	return map[string]string{
		"#id": fieldID,
		"#ua": fieldUsedAt,
		"#ac": fieldAttemptsCount,
		"#ma": fieldMaxAttempts,
	}
}

func (r *OTPRepo) IncrementAttempts(ctx context.Context, id string) (int, error) {
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey(fieldID, id),
		UpdateExpression:          aws.String("SET #ac = #ac + :one"),
		ConditionExpression:       aws.String(eligible),
		ExpressionAttributeNames:  eligibleNames(),
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": numVal(1)},
		ReturnValues:              types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return 0, fmt.Errorf("otp %s not eligible: %w", id, domain.ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	var it otpItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return 0, err
	}
	if it.AttemptsCount >= it.MaxAttempts {
		r.releaseGuard(ctx, &it)
	}
	return it.AttemptsCount, nil
}

// MarkUsed consumes the record. For a password-reset record the guard is
// released in the same transaction, so the two never disagree.
func (r *OTPRepo) MarkUsed(ctx context.Context, id string, at time.Time) (int64, error) {
	it, err := r.getItem(ctx, id)
	if err != nil {
		return 0, err
	}
	if it == nil {
		return 0, nil
	}
	use := &types.Update{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey(fieldID, id),
		UpdateExpression:          aws.String("SET #ua = :at"),
		ConditionExpression:       aws.String(eligible),
		ExpressionAttributeNames:  eligibleNames(),
		ExpressionAttributeValues: map[string]types.AttributeValue{":at": numVal(millis(at))},
	}
	if domain.Purpose(it.Purpose) != domain.PurposePasswordReset {
		return r.applyUse(ctx, use)
	}

	contact := domain.ContactRef{Email: it.Email, Phone: it.Phone}
	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: use},
			{Update: &types.Update{
				TableName:                 aws.String(r.tableName),
				Key:                       strKey(fieldID, guardID(contact)),
				UpdateExpression:          aws.String("SET #rel = :rel"),
				ConditionExpression:       aws.String("#otp = :otp"),
				ExpressionAttributeNames:  map[string]string{"#rel": fieldReleased, "#otp": fieldOTPID},
				ExpressionAttributeValues: map[string]types.AttributeValue{":rel": boolVal(true), ":otp": strVal(id)},
			}},
		},
	})
	switch {
	case err == nil:
		return 1, nil
	case cancelledAt(err, 0):
		return 0, nil
	case cancelledAt(err, 1):
		// The guard belongs to a newer record; only the use applies.
		return r.applyUse(ctx, use)
	}
	return 0, fmt.Errorf("mark reset otp used: %w", err)
}

func (r *OTPRepo) applyUse(ctx context.Context, u *types.Update) (int64, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeNames:  u.ExpressionAttributeNames,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	if isConditionFailed(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mark otp used: %w", err)
	}
	return 1, nil
}

func (r *OTPRepo) MarkUsedBulk(ctx context.Context, ids []string, at time.Time) (int64, error) {
	var n int64
	for _, id := range ids {
		c, err := r.MarkUsed(ctx, id, at)
		if err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}

// releaseGuard frees the reset guard once its record hit its attempt limit.
// A guard already taken over by a newer record is left alone. A failed
// release is reclaimed by the next Create.
func (r *OTPRepo) releaseGuard(ctx context.Context, it *otpItem) {
	if domain.Purpose(it.Purpose) != domain.PurposePasswordReset {
		return
	}
	ue, err := buildUpdateExpr(map[string]interface{}{fieldReleased: true})
	if err != nil {
		slog.Warn("could not build guard release", "otp_id", it.ID, "err", err)
		return
	}
	ue.Names["#otp"] = fieldOTPID
	ue.Values[":otp"] = strVal(it.ID)
	contact := domain.ContactRef{Email: it.Email, Phone: it.Phone}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey(fieldID, guardID(contact)),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("#otp = :otp"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	if err != nil && !isConditionFailed(err) {
		slog.Warn("could not release reset guard", "otp_id", it.ID, "err", err)
	}
}
