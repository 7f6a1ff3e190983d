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
	"github.com/aws/smithy-go"

	"homework-tutor/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skProfile    = "PROFILE"
	skMeta       = "META"
	skValue      = "VALUE"
	pkCounter    = "COUNTER"
	skTurnSeq    = "TURN"

	studentIndex = "GSI1"

	// sortTimeLayout is fixed width so sort keys order lexically by time.
	sortTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client wraps a single DynamoDB table holding turns, student profiles,
// homework items and named configuration values.
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

// sessionPK returns the partition key for a session. Student and homework
// ids are numeric, so a session id containing '#' stays unambiguous.
func sessionPK(key domain.SessionKey) string {
	return fmt.Sprintf("SESSION#%d#%d#%s", key.StudentID, key.HomeworkItemID, key.SessionID)
}

func studentPK(studentID int64) string {
	return fmt.Sprintf("STUDENT#%d", studentID)
}

func homeworkPK(homeworkItemID int64) string {
	return fmt.Sprintf("HOMEWORK#%d", homeworkItemID)
}

func paramPK(name string) string {
	return "PARAM#" + name
}

// turnSK orders turns by creation time, then id.
func turnSK(createdAt time.Time, id int64) string {
	return fmt.Sprintf("%s%s#%020d", skPrefixTurn, createdAt.UTC().Format(sortTimeLayout), id)
}

// CreateTurn assigns the next turn id and writes the turn without a response.
func (c *Client) CreateTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	id, err := c.nextTurnID(ctx)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: CreateTurn: %w", err)
	}
	turn.ID = id
	turn.ResponseText = nil
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turn.CreatedAt = turn.CreatedAt.UTC()

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: CreateTurn: %w", err)
	}
	return turn, nil
}

// nextTurnID increments the table-wide turn counter and returns its new value.
func (c *Client) nextTurnID(ctx context.Context) (int64, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkCounter},
			"SK": &types.AttributeValueMemberS{Value: skTurnSeq},
		},
		UpdateExpression:          aws.String("ADD #v :one"),
		ExpressionAttributeNames:  map[string]string{"#v": "value"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": &types.AttributeValueMemberN{Value: "1"}},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("next turn id: %w", err)
	}
	if out == nil {
		return 0, errors.New("next turn id: empty response")
	}
	id, err := int64Attr(out.Attributes, "value")
	if err != nil {
		return 0, fmt.Errorf("next turn id: %w", err)
	}
	return id, nil
}

// CompleteTurn sets the turn's response. The write is conditional so a
// response, once stored, is never overwritten.
func (c *Client) CompleteTurn(ctx context.Context, turn domain.Turn, responseText string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(turn.Key())},
			"SK": &types.AttributeValueMemberS{Value: turnSK(turn.CreatedAt, turn.ID)},
		},
		UpdateExpression:          aws.String("SET responseText = :r"),
		ConditionExpression:       aws.String("attribute_exists(PK) AND attribute_not_exists(responseText)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":r": &types.AttributeValueMemberS{Value: responseText}},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: CompleteTurn %d: %w", turn.ID, domain.ErrResponseAlreadySet)
		}
		return fmt.Errorf("repository: CompleteTurn: %w", err)
	}
	return nil
}

// ListSessionTurns returns every turn of a session in key order.
func (c *Client) ListSessionTurns(ctx context.Context, key domain.SessionKey) ([]domain.Turn, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(key)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListSessionTurns query: %w", err)
	}
	return itemsToTurns(items, "ListSessionTurns")
}

// ListStudentTurns returns a student's turns through the student index,
// newest first, optionally filtered to one homework item.
func (c *Client) ListStudentTurns(ctx context.Context, studentID int64, homeworkItemID *int64) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(studentIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: studentPK(studentID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if homeworkItemID != nil {
		in.FilterExpression = aws.String("homeworkItemId = :hid")
		in.ExpressionAttributeValues[":hid"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(*homeworkItemID, 10)}
	}
	items, err := c.queryAll(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListStudentTurns query: %w", err)
	}
	return itemsToTurns(items, "ListStudentTurns")
}

func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return items, nil
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// GetStudentProfile loads a student and their conditions.
func (c *Client) GetStudentProfile(ctx context.Context, studentID int64) (domain.StudentProfile, error) {
	item, err := c.getItem(ctx, studentPK(studentID), skProfile)
	if err != nil {
		return domain.StudentProfile{}, fmt.Errorf("repository: GetStudentProfile: %w", err)
	}
	if item == nil {
		return domain.StudentProfile{}, fmt.Errorf("repository: student %d: %w", studentID, domain.ErrNotFound)
	}
	profile, err := itemToProfile(studentID, item)
	if err != nil {
		return domain.StudentProfile{}, fmt.Errorf("repository: GetStudentProfile decode: %w", err)
	}
	return profile, nil
}

// HomeworkItemExists reports whether the homework item record is present.
func (c *Client) HomeworkItemExists(ctx context.Context, homeworkItemID int64) (bool, error) {
	item, err := c.getItem(ctx, homeworkPK(homeworkItemID), skMeta)
	if err != nil {
		return false, fmt.Errorf("repository: HomeworkItemExists: %w", err)
	}
	return item != nil, nil
}

// Lookup returns a named configuration value stored in the table.
func (c *Client) Lookup(ctx context.Context, name string) (string, bool, error) {
	item, err := c.getItem(ctx, paramPK(name), skValue)
	if err != nil {
		return "", false, fmt.Errorf("repository: Lookup %q: %w", name, err)
	}
	if item == nil {
		return "", false, nil
	}
	v, err := strAttr(item, "value")
	if err != nil {
		return "", false, fmt.Errorf("repository: Lookup %q: %w", name, err)
	}
	return v, true, nil
}

// PutStudentProfile writes or replaces a student profile record.
func (c *Client) PutStudentProfile(ctx context.Context, profile domain.StudentProfile) error {
	return c.put(ctx, "PutStudentProfile", profileItem(profile))
}

// PutHomeworkItem writes or replaces a homework item record.
func (c *Client) PutHomeworkItem(ctx context.Context, homeworkItemID int64, title string) error {
	return c.put(ctx, "PutHomeworkItem", map[string]types.AttributeValue{
		"PK":    &types.AttributeValueMemberS{Value: homeworkPK(homeworkItemID)},
		"SK":    &types.AttributeValueMemberS{Value: skMeta},
		"title": &types.AttributeValueMemberS{Value: title},
	})
}

// PutParameter writes or replaces a named configuration value.
func (c *Client) PutParameter(ctx context.Context, name, value string) error {
	return c.put(ctx, "PutParameter", map[string]types.AttributeValue{
		"PK":    &types.AttributeValueMemberS{Value: paramPK(name)},
		"SK":    &types.AttributeValueMemberS{Value: skValue},
		"value": &types.AttributeValueMemberS{Value: value},
	})
}

func (c *Client) put(ctx context.Context, op string, item map[string]types.AttributeValue) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	return nil
}

func (c *Client) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func turnItem(t domain.Turn) map[string]types.AttributeValue {
	sk := turnSK(t.CreatedAt, t.ID)
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: sessionPK(t.Key())},
		"SK":             &types.AttributeValueMemberS{Value: sk},
		"GSI1PK":         &types.AttributeValueMemberS{Value: studentPK(t.StudentID)},
		"GSI1SK":         &types.AttributeValueMemberS{Value: sk},
		"turnId":         &types.AttributeValueMemberN{Value: strconv.FormatInt(t.ID, 10)},
		"studentId":      &types.AttributeValueMemberN{Value: strconv.FormatInt(t.StudentID, 10)},
		"homeworkItemId": &types.AttributeValueMemberN{Value: strconv.FormatInt(t.HomeworkItemID, 10)},
		"sessionId":      &types.AttributeValueMemberS{Value: t.SessionID},
		"promptText":     &types.AttributeValueMemberS{Value: t.PromptText},
		"createdAt":      &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if t.ResponseText != nil {
		item["responseText"] = &types.AttributeValueMemberS{Value: *t.ResponseText}
	}
	return item
}

func itemsToTurns(items []map[string]types.AttributeValue, op string) ([]domain.Turn, error) {
	turns := make([]domain.Turn, 0, len(items))
	for _, item := range items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: %s unmarshal: %w", op, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := int64Attr(item, "turnId")
	if err != nil {
		return domain.Turn{}, err
	}
	studentID, err := int64Attr(item, "studentId")
	if err != nil {
		return domain.Turn{}, err
	}
	homeworkItemID, err := int64Attr(item, "homeworkItemId")
	if err != nil {
		return domain.Turn{}, err
	}
	prompt, err := strAttr(item, "promptText")
	if err != nil {
		return domain.Turn{}, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
	}
	sessionID, _ := strAttr(item, "sessionId") // allow empty

	t := domain.Turn{
		ID:             id,
		StudentID:      studentID,
		HomeworkItemID: homeworkItemID,
		SessionID:      sessionID,
		PromptText:     prompt,
		CreatedAt:      createdAt.UTC(),
	}
	if resp, err := strAttr(item, "responseText"); err == nil {
		t.ResponseText = &resp
	}
	return t, nil
}

func profileItem(p domain.StudentProfile) map[string]types.AttributeValue {
	conditions := make([]types.AttributeValue, 0, len(p.Conditions))
	for _, cond := range p.Conditions {
		conditions = append(conditions, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"name":     &types.AttributeValueMemberS{Value: cond.Name},
			"comments": &types.AttributeValueMemberS{Value: cond.Comments},
		}})
	}
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: studentPK(p.ID)},
		"SK":         &types.AttributeValueMemberS{Value: skProfile},
		"firstName":  &types.AttributeValueMemberS{Value: p.FirstName},
		"lastName":   &types.AttributeValueMemberS{Value: p.LastName},
		"details":    &types.AttributeValueMemberS{Value: p.Details},
		"conditions": &types.AttributeValueMemberL{Value: conditions},
	}
}

func itemToProfile(studentID int64, item map[string]types.AttributeValue) (domain.StudentProfile, error) {
	first, _ := strAttr(item, "firstName")
	last, _ := strAttr(item, "lastName")
	details, _ := strAttr(item, "details")
	p := domain.StudentProfile{ID: studentID, FirstName: first, LastName: last, Details: details}

	raw, ok := item["conditions"]
	if !ok {
		return p, nil
	}
	list, ok := raw.(*types.AttributeValueMemberL)
	if !ok {
		return domain.StudentProfile{}, fmt.Errorf("repository: attribute %q is not a list", "conditions")
	}
	for i, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.StudentProfile{}, fmt.Errorf("repository: condition %d is not a map", i)
		}
		name, err := strAttr(m.Value, "name")
		if err != nil {
			return domain.StudentProfile{}, err
		}
		comments, _ := strAttr(m.Value, "comments")
		p.Conditions = append(p.Conditions, domain.Condition{Name: name, Comments: comments})
	}
	return p, nil
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

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
