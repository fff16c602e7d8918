package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"requirements-agent/internal/domain"
)

const (
	skProfile        = "PROFILE"
	skPrefixPurchase = "PURCHASE#"
	skPrefixUsage    = "USAGE#"
	usageTTL         = 90 * 24 * time.Hour

	condUserExists = "attribute_exists(PK)"
	condCreditRoom = condUserExists + " AND credits <= :limit"
	condNewItem    = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores user credit records, purchases and usage entries in a single
// DynamoDB table keyed by PK/SK.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// userPK returns the DynamoDB partition key for a user.
func userPK(userID string) string {
	return "USER#" + userID
}

func userKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK": &types.AttributeValueMemberS{Value: skProfile},
	}
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// GetUser reads the user record with a strongly consistent read.
func (c *Client) GetUser(ctx context.Context, userID string) (domain.UserRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            userKey(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.UserRecord{}, fmt.Errorf("repository: GetUser get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.UserRecord{}, domain.ErrUserNotFound
	}
	rec, err := itemToUser(out.Item)
	if err != nil {
		return domain.UserRecord{}, fmt.Errorf("repository: GetUser decode: %w", err)
	}
	return rec, nil
}

// CreateUser writes a new user record unless one already exists. It reports
// whether the record was created by this call.
func (c *Client) CreateUser(ctx context.Context, rec domain.UserRecord) (bool, error) {
	if strings.TrimSpace(rec.UserID) == "" {
		return false, errors.New("repository: CreateUser: user id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                userItem(rec),
		ConditionExpression: aws.String(condNewItem),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("repository: CreateUser: %w", err)
	}
	return true, nil
}

// DecrementCredits atomically subtracts one credit when the balance is positive.
// The condition check and the write happen in a single UpdateItem call, so
// concurrent debits can never push the balance below zero.
func (c *Client) DecrementCredits(ctx context.Context, userID string, at time.Time) (int, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 userKey(userID),
		UpdateExpression:    aws.String("SET credits = credits - :one, updatedAt = :now"),
		ConditionExpression: aws.String(condUserExists + " AND credits > :zero"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":now":  &types.AttributeValueMemberS{Value: timestamp(at)},
		},
		ReturnValues:                        types.ReturnValueUpdatedNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// The old item is only returned when the record exists.
			if len(ccf.Item) == 0 {
				return 0, domain.ErrUserNotFound
			}
			return 0, domain.ErrInsufficientCredits
		}
		return 0, fmt.Errorf("repository: DecrementCredits: %w", err)
	}
	return updatedCredits(out, "DecrementCredits")
}

// IncrementCredits adds amount to an existing user's balance. The ceiling is
// part of the update condition, so a top-off that would pass
// domain.MaxCredits fails with domain.ErrBalanceLimit and writes nothing.
func (c *Client) IncrementCredits(ctx context.Context, userID string, amount int, at time.Time) (int, error) {
	if amount < 0 || amount > domain.MaxCredits {
		return 0, domain.ErrBalanceLimit
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(c.tableName),
		Key:                                 userKey(userID),
		UpdateExpression:                    aws.String("SET credits = credits + :amount, updatedAt = :now"),
		ConditionExpression:                 aws.String(condCreditRoom),
		ExpressionAttributeValues:           creditValues(amount, at),
		ReturnValues:                        types.ReturnValueUpdatedNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return 0, creditConditionError(ccf.Item)
		}
		return 0, fmt.Errorf("repository: IncrementCredits: %w", err)
	}
	return updatedCredits(out, "IncrementCredits")
}

// SetCredits overwrites an existing user's balance.
func (c *Client) SetCredits(ctx context.Context, userID string, value int, at time.Time) (int, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 userKey(userID),
		UpdateExpression:    aws.String("SET credits = :value, updatedAt = :now"),
		ConditionExpression: aws.String(condUserExists),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":value": &types.AttributeValueMemberN{Value: strconv.Itoa(value)},
			":now":   &types.AttributeValueMemberS{Value: timestamp(at)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, userUpdateError("SetCredits", err)
	}
	return updatedCredits(out, "SetCredits")
}

// RecordPurchase writes the purchase item and credits the user in one
// transaction, then returns the balance read back after the commit.
func (c *Client) RecordPurchase(ctx context.Context, p domain.Purchase) (int, error) {
	if p.ID == "" || p.UserID == "" {
		return 0, errors.New("repository: RecordPurchase: purchase id and user id are required")
	}
	if p.Credits < 0 || p.Credits > domain.MaxCredits {
		return 0, domain.ErrBalanceLimit
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                purchaseItem(p),
					ConditionExpression: aws.String(condNewItem),
				},
			},
			{
				Update: &types.Update{
					TableName:                           aws.String(c.tableName),
					Key:                                 userKey(p.UserID),
					UpdateExpression:                    aws.String("SET credits = credits + :amount, updatedAt = :now"),
					ConditionExpression:                 aws.String(condCreditRoom),
					ExpressionAttributeValues:           creditValues(p.Credits, p.CreatedAt),
					ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && len(canceled.CancellationReasons) > 1 &&
			aws.ToString(canceled.CancellationReasons[1].Code) == "ConditionalCheckFailed" {
			return 0, creditConditionError(canceled.CancellationReasons[1].Item)
		}
		return 0, fmt.Errorf("repository: RecordPurchase: %w", err)
	}

	rec, err := c.GetUser(ctx, p.UserID)
	if err != nil {
		return 0, fmt.Errorf("repository: RecordPurchase read back: %w", err)
	}
	return rec.Credits, nil
}

// RecordUsage persists one usage audit entry.
func (c *Client) RecordUsage(ctx context.Context, entry domain.UsageEntry) error {
	if entry.UserID == "" || entry.RequestID == "" {
		return errors.New("repository: RecordUsage: user id and request id are required")
	}
	if entry.TTL == 0 {
		entry.TTL = entry.FinishedAt.Add(usageTTL).Unix()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                usageItem(entry),
		ConditionExpression: aws.String(condNewItem),
	})
	if err != nil {
		return fmt.Errorf("repository: RecordUsage: %w", err)
	}
	return nil
}

// creditValues binds :amount, :limit and :now for condCreditRoom updates.
func creditValues(amount int, at time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":amount": &types.AttributeValueMemberN{Value: strconv.Itoa(amount)},
		":limit":  &types.AttributeValueMemberN{Value: strconv.Itoa(domain.MaxCredits - amount)},
		":now":    &types.AttributeValueMemberS{Value: timestamp(at)},
	}
}

// creditConditionError reads a failed condCreditRoom check. The old item is
// only returned when the record exists.
func creditConditionError(old map[string]types.AttributeValue) error {
	if len(old) == 0 {
		return domain.ErrUserNotFound
	}
	return domain.ErrBalanceLimit
}

func userUpdateError(op string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return domain.ErrUserNotFound
	}
	return fmt.Errorf("repository: %s: %w", op, err)
}

func updatedCredits(out *dynamodb.UpdateItemOutput, op string) (int, error) {
	if out == nil {
		return 0, fmt.Errorf("repository: %s: empty update output", op)
	}
	credits, err := intAttr(out.Attributes, "credits")
	if err != nil {
		return 0, fmt.Errorf("repository: %s decode credits: %w", op, err)
	}
	return credits, nil
}

// itemToUser converts a DynamoDB attribute map to a UserRecord.
func itemToUser(item map[string]types.AttributeValue) (domain.UserRecord, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.UserRecord{}, err
	}
	credits, err := intAttr(item, "credits")
	if err != nil {
		return domain.UserRecord{}, err
	}
	email, _ := strAttr(item, "email") // allow empty
	name, _ := strAttr(item, "name")
	photo, _ := strAttr(item, "photoURL")
	createdAt, _ := timeAttr(item, "createdAt")
	updatedAt, _ := timeAttr(item, "updatedAt")

	return domain.UserRecord{
		UserID:    strings.TrimPrefix(pk, "USER#"),
		Email:     email,
		Name:      name,
		PhotoURL:  photo,
		Credits:   credits,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func userItem(rec domain.UserRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(rec.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: skProfile},
		"email":     &types.AttributeValueMemberS{Value: rec.Email},
		"name":      &types.AttributeValueMemberS{Value: rec.Name},
		"photoURL":  &types.AttributeValueMemberS{Value: rec.PhotoURL},
		"credits":   &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Credits)},
		"createdAt": &types.AttributeValueMemberS{Value: timestamp(rec.CreatedAt)},
		"updatedAt": &types.AttributeValueMemberS{Value: timestamp(rec.UpdatedAt)},
	}
}

func purchaseItem(p domain.Purchase) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(p.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: skPrefixPurchase + timestamp(p.CreatedAt) + "#" + p.ID},
		"purchase":  &types.AttributeValueMemberS{Value: p.ID},
		"plan":      &types.AttributeValueMemberS{Value: p.Plan},
		"credits":   &types.AttributeValueMemberN{Value: strconv.Itoa(p.Credits)},
		"timestamp": &types.AttributeValueMemberS{Value: timestamp(p.CreatedAt)},
	}
}

func usageItem(e domain.UsageEntry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: userPK(e.UserID)},
		"SK":         &types.AttributeValueMemberS{Value: skPrefixUsage + timestamp(e.StartedAt) + "#" + e.RequestID},
		"requestId":  &types.AttributeValueMemberS{Value: e.RequestID},
		"outcome":    &types.AttributeValueMemberS{Value: e.Outcome},
		"chunks":     &types.AttributeValueMemberN{Value: strconv.Itoa(e.Chunks)},
		"outputSize": &types.AttributeValueMemberN{Value: strconv.Itoa(e.OutputSize)},
		"startedAt":  &types.AttributeValueMemberS{Value: timestamp(e.StartedAt)},
		"finishedAt": &types.AttributeValueMemberS{Value: timestamp(e.FinishedAt)},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(e.TTL, 10)},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
