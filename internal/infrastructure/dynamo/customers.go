package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/loyalty-otp/internal/domain"
)

// CustomerRepo reads loyalty customers and records contact verification.
type CustomerRepo struct {
	client    API
	tableName string
}

func NewCustomerRepo(client API, tableName string) *CustomerRepo {
	return &CustomerRepo{client: client, tableName: tableName}
}

func (r *CustomerRepo) Put(ctx context.Context, c *domain.Customer) error {
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return fmt.Errorf("marshal customer: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return err
}

func (r *CustomerRepo) Get(ctx context.Context, customerID string) (*domain.Customer, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey(fieldCustomerID, customerID),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("customer not found: %w", domain.ErrNotFound)
	}
	var c domain.Customer
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CustomerRepo) GetByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	return r.queryGSI(ctx, indexEmail, fieldEmail, email)
}

func (r *CustomerRepo) GetByPhone(ctx context.Context, phone string) (*domain.Customer, error) {
	return r.queryGSI(ctx, indexPhone, fieldPhone, phone)
}

func (r *CustomerRepo) SetContactVerified(ctx context.Context, customerID string, method domain.DeliveryMethod) error {
	var field string
	switch method {
	case domain.DeliveryEmail:
		field = fieldEmailVerified
	case domain.DeliverySMS:
		field = fieldPhoneVerified
	default:
		return fmt.Errorf("unknown delivery method %q: %w", method, domain.ErrBadRequest)
	}
	ue, err := buildUpdateExpr(map[string]interface{}{
		field:          true,
		fieldUpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	ue.Names["#pk"] = fieldCustomerID
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey(fieldCustomerID, customerID),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	if isConditionFailed(err) {
		return fmt.Errorf("customer not found: %w", domain.ErrNotFound)
	}
	return err
}

func (r *CustomerRepo) queryGSI(ctx context.Context, index, attr, value string) (*domain.Customer, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String("#a = :v"),
		ExpressionAttributeNames:  map[string]string{"#a": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": strVal(value)},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("customer not found: %w", domain.ErrNotFound)
	}
	var c domain.Customer
	if err := attributevalue.UnmarshalMap(out.Items[0], &c); err != nil {
		return nil, err
	}
	return &c, nil
}
