package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"homework-tutor/internal/domain"
)

type fakeDynamo struct {
	getOut     *dynamodb.GetItemOutput
	getErr     error
	putErr     error
	updateOut  *dynamodb.UpdateItemOutput
	updateErr  error
	queryPages []*dynamodb.QueryOutput
	queryErr   error
	lastGetIn  *dynamodb.GetItemInput
	lastPutIn  *dynamodb.PutItemInput
	updateIns  []*dynamodb.UpdateItemInput
	queryIns   []dynamodb.QueryInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetIn = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutIn = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateIns = append(f.updateIns, in)
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryIns = append(f.queryIns, *in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryPages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return page, nil
}

func counterOut(v string) *dynamodb.UpdateItemOutput {
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"value": &types.AttributeValueMemberN{Value: v},
	}}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func sampleTurn() domain.Turn {
	return domain.Turn{
		ID:             7,
		StudentID:      1,
		HomeworkItemID: 2,
		SessionID:      "s-1",
		PromptText:     "What is 2+2?",
		CreatedAt:      time.Date(2026, 3, 1, 9, 30, 0, 1500, time.UTC),
	}
}

func TestSessionPK(t *testing.T) {
	require.Equal(t, "SESSION#1#2#s-1", sessionPK(domain.SessionKey{StudentID: 1, HomeworkItemID: 2, SessionID: "s-1"}))
	require.Equal(t, "SESSION#1#2#", sessionPK(domain.SessionKey{StudentID: 1, HomeworkItemID: 2}))
}

func TestTurnSK_OrdersLexically(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	a := turnSK(base, 9)
	b := turnSK(base, 10)
	c := turnSK(base.Add(time.Millisecond), 1)
	require.Equal(t, "TURN#2026-03-01T09:30:00.000000000Z#00000000000000000009", a)
	require.Less(t, a, b)
	require.Less(t, b, c)
}

func TestCreateTurn_HappyPath(t *testing.T) {
	db := &fakeDynamo{updateOut: counterOut("42")}
	c := mustNewClient(t, db)

	in := sampleTurn()
	in.ID = 0
	got, err := c.CreateTurn(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int64(42), got.ID)
	require.Nil(t, got.ResponseText)

	require.Len(t, db.updateIns, 1)
	require.Equal(t, "ADD #v :one", *db.updateIns[0].UpdateExpression)
	require.Equal(t, types.ReturnValueUpdatedNew, db.updateIns[0].ReturnValues)

	item := db.lastPutIn.Item
	require.Equal(t, "SESSION#1#2#s-1", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, turnSK(in.CreatedAt, 42), item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "STUDENT#1", item["GSI1PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "42", item["turnId"].(*types.AttributeValueMemberN).Value)
	require.NotContains(t, item, "responseText")
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutIn.ConditionExpression)
}

func TestCreateTurn_CounterError(t *testing.T) {
	db := &fakeDynamo{updateErr: errors.New("throttled")}
	c := mustNewClient(t, db)
	_, err := c.CreateTurn(context.Background(), sampleTurn())
	require.Error(t, err)
	require.Contains(t, err.Error(), "next turn id")
	require.Nil(t, db.lastPutIn)
}

func TestCreateTurn_PutError(t *testing.T) {
	db := &fakeDynamo{updateOut: counterOut("1"), putErr: errors.New("ProvisionedThroughputExceededException")}
	c := mustNewClient(t, db)
	_, err := c.CreateTurn(context.Background(), sampleTurn())
	require.Error(t, err)
	require.Contains(t, err.Error(), "CreateTurn")
}

func TestCompleteTurn_HappyPath(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{}}
	c := mustNewClient(t, db)
	turn := sampleTurn()

	require.NoError(t, c.CompleteTurn(context.Background(), turn, "4"))
	in := db.updateIns[0]
	require.Equal(t, "SET responseText = :r", *in.UpdateExpression)
	require.Equal(t, "attribute_exists(PK) AND attribute_not_exists(responseText)", *in.ConditionExpression)
	require.Equal(t, turnSK(turn.CreatedAt, turn.ID), in.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "4", in.ExpressionAttributeValues[":r"].(*types.AttributeValueMemberS).Value)
}

func TestCompleteTurn_AlreadySet(t *testing.T) {
	cases := map[string]error{
		"typed":   &types.ConditionalCheckFailedException{},
		"generic": &smithy.GenericAPIError{Code: "ConditionalCheckFailedException"},
	}
	for name, condErr := range cases {
		t.Run(name, func(t *testing.T) {
			db := &fakeDynamo{updateErr: condErr}
			c := mustNewClient(t, db)
			err := c.CompleteTurn(context.Background(), sampleTurn(), "again")
			require.ErrorIs(t, err, domain.ErrResponseAlreadySet)
		})
	}
}

func TestCompleteTurn_OtherError(t *testing.T) {
	db := &fakeDynamo{updateErr: errors.New("internal server error")}
	c := mustNewClient(t, db)
	err := c.CompleteTurn(context.Background(), sampleTurn(), "x")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrResponseAlreadySet)
	require.Contains(t, err.Error(), "CompleteTurn")
}

func TestListSessionTurns_PaginatesAndDecodes(t *testing.T) {
	first := sampleTurn()
	second := sampleTurn()
	second.ID = 8
	answer := "4"
	first.ResponseText = &answer

	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{turnItem(first)},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "x"}},
		},
		{Items: []map[string]types.AttributeValue{turnItem(second)}},
	}}
	c := mustNewClient(t, db)

	turns, err := c.ListSessionTurns(context.Background(), first.Key())
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, first, turns[0])
	require.Nil(t, turns[1].ResponseText)

	require.Len(t, db.queryIns, 2)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.queryIns[0].KeyConditionExpression)
	require.True(t, *db.queryIns[0].ScanIndexForward)
	require.Nil(t, db.queryIns[0].ExclusiveStartKey)
	require.NotNil(t, db.queryIns[1].ExclusiveStartKey)
}

func TestListSessionTurns_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewClient(t, db)
	_, err := c.ListSessionTurns(context.Background(), sampleTurn().Key())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ListSessionTurns")
}

func TestListSessionTurns_MalformedItem(t *testing.T) {
	item := turnItem(sampleTurn())
	delete(item, "promptText")
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}}
	c := mustNewClient(t, db)
	_, err := c.ListSessionTurns(context.Background(), sampleTurn().Key())
	require.Error(t, err)
	require.Contains(t, err.Error(), "promptText")
}

func TestListStudentTurns_UsesIndexAndFilter(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	hid := int64(2)

	_, err := c.ListStudentTurns(context.Background(), 1, &hid)
	require.NoError(t, err)
	in := db.queryIns[0]
	require.Equal(t, studentIndex, *in.IndexName)
	require.False(t, *in.ScanIndexForward)
	require.Equal(t, "homeworkItemId = :hid", *in.FilterExpression)
	require.Equal(t, "2", in.ExpressionAttributeValues[":hid"].(*types.AttributeValueMemberN).Value)

	_, err = c.ListStudentTurns(context.Background(), 1, nil)
	require.NoError(t, err)
	require.Nil(t, db.queryIns[1].FilterExpression)
}

func TestGetStudentProfile_HappyPath(t *testing.T) {
	profile := domain.StudentProfile{
		ID:        3,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Conditions: []domain.Condition{
			{Name: "Dyslexia", Comments: "prefers short sentences"},
			{Name: "ADHD"},
		},
	}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: profileItem(profile)}}
	c := mustNewClient(t, db)

	got, err := c.GetStudentProfile(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, profile, got)
	require.Equal(t, "STUDENT#3", db.lastGetIn.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.True(t, *db.lastGetIn.ConsistentRead)
}

func TestGetStudentProfile_NotFound(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	_, err := c.GetStudentProfile(context.Background(), 3)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetStudentProfile_MalformedConditions(t *testing.T) {
	item := profileItem(domain.StudentProfile{ID: 3})
	item["conditions"] = &types.AttributeValueMemberS{Value: "oops"}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)
	_, err := c.GetStudentProfile(context.Background(), 3)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a list")
}

func TestHomeworkItemExists(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	ok, err := c.HomeworkItemExists(context.Background(), 2)
	require.NoError(t, err)
	require.False(t, ok)

	db.getOut = &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "HOMEWORK#2"},
	}}
	ok, err = c.HomeworkItemExists(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, ok)

	db.getErr = errors.New("boom")
	_, err = c.HomeworkItemExists(context.Background(), 2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "HomeworkItemExists")
}

func TestLookup(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	_, ok, err := c.Lookup(context.Background(), "StudentBasePrompt")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "PARAM#StudentBasePrompt", db.lastGetIn.Key["PK"].(*types.AttributeValueMemberS).Value)

	db.getOut = &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"value": &types.AttributeValueMemberS{Value: "You tutor {{StudentName}}."},
	}}
	v, ok, err := c.Lookup(context.Background(), "StudentBasePrompt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "You tutor {{StudentName}}.", v)
}

func TestPutParameter(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PutParameter(context.Background(), "LLMApi:Url", "https://llm.example"))
	require.Equal(t, "PARAM#LLMApi:Url", db.lastPutIn.Item["PK"].(*types.AttributeValueMemberS).Value)

	db.putErr = errors.New("boom")
	err := c.PutHomeworkItem(context.Background(), 2, "Fractions")
	require.Error(t, err)
	require.Contains(t, err.Error(), "PutHomeworkItem")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}
