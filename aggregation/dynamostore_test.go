package aggregation

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is a minimal in-memory DynamoDB double covering the calls
// DynamoStore issues. It does not interpret update expressions — callers
// that need the post-update Attributes should assert through TestDynamoStore
// cases that go through PutItem/TransactWriteItems instead.
type fakeDynamo struct {
	rows map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{rows: make(map[string]map[string]types.AttributeValue)}
}

func rowKey(pk, sk string) string { return pk + "|" + sk }

func avString(av types.AttributeValue) string {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return s.Value
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	row, ok := f.rows[rowKey(avString(params.Key["pk"]), avString(params.Key["sk"]))]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: row}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.rows[rowKey(avString(params.Item["pk"]), avString(params.Item["sk"]))] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem is a no-op write: DynamoStore only depends on its returned
// Attributes for the decrement paths, which this test suite does not
// exercise against the fake.
func (f *fakeDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.rows, rowKey(avString(params.Key["pk"]), avString(params.Key["sk"])))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	var out []map[string]types.AttributeValue
	for _, row := range f.rows {
		out = append(out, row)
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDynamo) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	for _, ti := range params.TransactItems {
		if ti.Put != nil {
			f.rows[rowKey(avString(ti.Put.Item["pk"]), avString(ti.Put.Item["sk"]))] = ti.Put.Item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	for _, reqs := range params.RequestItems {
		for _, r := range reqs {
			if r.DeleteRequest != nil {
				delete(f.rows, rowKey(avString(r.DeleteRequest.Key["pk"]), avString(r.DeleteRequest.Key["sk"])))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func TestDynamoStore_KeyConstruction(t *testing.T) {
	if got := errorRecordKey("20Orange"); got != "ERROR#20Orange" {
		t.Errorf("unexpected errorRecordKey: %s", got)
	}
	if got := executionKey("e1"); got != "EXEC#e1" {
		t.Errorf("unexpected executionKey: %s", got)
	}
}

func TestDynamoStore_SaveErrorRecords_WritesEntityTypeTags(t *testing.T) {
	fake := newFakeDynamo()
	store := NewDynamoStore(fake, "workflow-errors")

	_, err := store.SaveErrorRecords(context.Background(), WorkflowEvent{
		ExecutionID: "e1",
		County:      "orange",
		Errors:      []WorkflowError{{Code: "20Orange"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	execRow, ok := fake.rows[rowKey(executionKey("e1"), metadataSortKey)]
	if !ok {
		t.Fatalf("expected execution row to exist")
	}
	var execItem item
	if err := attributevalue.UnmarshalMap(execRow, &execItem); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if execItem.EntityType != entityTypeFailedExec {
		t.Errorf("expected entityType %s, got %s", entityTypeFailedExec, execItem.EntityType)
	}
	if execItem.GSI1SK == "" {
		t.Errorf("expected gsi1sk to be populated on the execution row")
	}

	linkRow, ok := fake.rows[rowKey(executionKey("e1"), linkSK("20Orange"))]
	if !ok {
		t.Fatalf("expected link row to exist")
	}
	var linkItem item
	if err := attributevalue.UnmarshalMap(linkRow, &linkItem); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if linkItem.EntityType != entityTypeExecutionError {
		t.Errorf("expected entityType %s, got %s", entityTypeExecutionError, linkItem.EntityType)
	}
	if linkItem.Occurrences != 1 {
		t.Errorf("expected occurrences 1, got %d", linkItem.Occurrences)
	}
}

func TestDynamoStore_QueryExecutionErrorLinks_FiltersByEntityType(t *testing.T) {
	fake := newFakeDynamo()
	store := NewDynamoStore(fake, "workflow-errors")

	if _, err := store.SaveErrorRecords(context.Background(), WorkflowEvent{
		ExecutionID: "e1", County: "orange",
		Errors: []WorkflowError{{Code: "20Orange"}, {Code: "21Orange"}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	links, err := store.QueryExecutionErrorLinks(context.Background(), "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(links))
	}
}

func TestChunk_SplitsIntoGroupsOfAtMost25(t *testing.T) {
	ids := make([]string, 60)
	for i := range ids {
		ids[i] = "id"
	}
	chunks := chunk(ids, batchWriteChunk)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 25 || len(chunks[1]) != 25 || len(chunks[2]) != 10 {
		t.Fatalf("unexpected chunk sizes: %v", []int{len(chunks[0]), len(chunks[1]), len(chunks[2])})
	}
}
