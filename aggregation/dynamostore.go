package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/elephant-xyz/errorcore/platform/batch"
	"github.com/elephant-xyz/errorcore/platform/retry"
)

// API is the subset of the DynamoDB client DynamoStore needs.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Index names as provisioned on the table (§3.3).
const (
	indexGSI1 = "gsi1" // GS1(exec) for FailedExecutionItem rows, GS1(link) inverse for link rows
	indexGSI2 = "gsi2" // GS2(err) for ErrorRecord rows
	indexGSI3 = "gsi3" // GS3 errorType bucket, both entity kinds
)

// batchWriteChunk is the bulk-write quota (§9).
const batchWriteChunk = 25

// DynamoStore is the production Store backed by a single DynamoDB table
// keyed `pk`/`sk`, tagged-variant by `entityType`, with three GSIs
// projecting the ordered indexes from §3.3.
type DynamoStore struct {
	client API
	table  string
	policy retry.Policy
}

func NewDynamoStore(client API, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, policy: retry.DefaultPolicy()}
}

var _ Store = (*DynamoStore)(nil)

// isRetryableDynamoError classifies throttling/throughput/availability
// faults as retryable; everything else (validation errors, conditional
// check failures) propagates immediately (§4.1 retry policy, §7).
func isRetryableDynamoError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughputErr) {
		return true
	}
	var requestLimitErr *types.RequestLimitExceeded
	if errors.As(err, &requestLimitErr) {
		return true
	}
	var internalErr *types.InternalServerError
	if errors.As(err, &internalErr) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded", "InternalServerError", "ServiceUnavailable":
			return true
		}
	}
	return false
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

// item is the single row shape every entity variant marshals through;
// entityType disambiguates which fields are meaningful on read (§9).
type item struct {
	PK         string `dynamodbav:"pk"`
	SK         string `dynamodbav:"sk"`
	EntityType string `dynamodbav:"entityType"`

	ErrorCode         string `dynamodbav:"errorCode,omitempty"`
	ErrorType         string `dynamodbav:"errorType,omitempty"`
	TotalCount        int64  `dynamodbav:"totalCount"`
	LatestExecutionID string `dynamodbav:"latestExecutionId,omitempty"`

	ExecutionID string `dynamodbav:"executionId,omitempty"`
	Occurrences int64  `dynamodbav:"occurrences"`
	County      string `dynamodbav:"county,omitempty"`

	OpenErrorCount   int64   `dynamodbav:"openErrorCount"`
	UniqueErrorCount int64   `dynamodbav:"uniqueErrorCount"`
	TotalOccurrences int64   `dynamodbav:"totalOccurrences"`
	TaskToken        *string `dynamodbav:"taskToken,omitempty"`
	PreparedS3URI    *string `dynamodbav:"preparedS3Uri,omitempty"`
	SourceBucket     *string `dynamodbav:"sourceS3Bucket,omitempty"`
	SourceKey        *string `dynamodbav:"sourceS3Key,omitempty"`

	Status       string `dynamodbav:"status,omitempty"`
	ErrorDetails []byte `dynamodbav:"errorDetails,omitempty"`

	CreatedAt int64 `dynamodbav:"createdAt"`
	UpdatedAt int64 `dynamodbav:"updatedAt"`

	GSI1PK string `dynamodbav:"gsi1pk,omitempty"`
	GSI1SK string `dynamodbav:"gsi1sk,omitempty"`
	GSI2PK string `dynamodbav:"gsi2pk,omitempty"`
	GSI2SK string `dynamodbav:"gsi2sk,omitempty"`
	GSI3PK string `dynamodbav:"gsi3pk,omitempty"`
	GSI3SK string `dynamodbav:"gsi3sk,omitempty"`
}

func unixNow() int64 { return time.Now().UTC().Unix() }

func errorRecordToItem(rec ErrorRecord) item {
	return item{
		PK: errorRecordKey(rec.ErrorCode), SK: metadataSortKey,
		EntityType:        entityTypeErrorRecord,
		ErrorCode:         rec.ErrorCode,
		ErrorType:         rec.ErrorType,
		TotalCount:        rec.TotalCount,
		Status:            string(rec.ErrorStatus),
		ErrorDetails:      rec.ErrorDetails,
		LatestExecutionID: rec.LatestExecutionID,
		CreatedAt:         rec.CreatedAt.Unix(),
		UpdatedAt:         rec.UpdatedAt.Unix(),
		GSI2PK:            errorTypePartition,
		GSI2SK:            errorGsiSortKey(rec.ErrorStatus, rec.TotalCount, rec.ErrorCode),
		GSI3PK:            gs3ErrPartition,
		GSI3SK:            typeBucketSortKey(rec.ErrorType, rec.ErrorStatus, rec.TotalCount, rec.ErrorCode),
	}
}

func itemToErrorRecord(it item) (ErrorRecord, error) {
	if it.EntityType != entityTypeErrorRecord {
		return ErrorRecord{}, ErrEntityTypeMismatch
	}
	return ErrorRecord{
		ErrorCode:         it.ErrorCode,
		ErrorType:         it.ErrorType,
		TotalCount:        it.TotalCount,
		ErrorStatus:       ErrorStatus(it.Status),
		ErrorDetails:      it.ErrorDetails,
		LatestExecutionID: it.LatestExecutionID,
		CreatedAt:         time.Unix(it.CreatedAt, 0).UTC(),
		UpdatedAt:         time.Unix(it.UpdatedAt, 0).UTC(),
	}, nil
}

func linkToItem(link ExecutionErrorLink) item {
	return item{
		PK: executionKey(link.ExecutionID), SK: linkSK(link.ErrorCode),
		EntityType:   entityTypeExecutionError,
		ExecutionID:  link.ExecutionID,
		ErrorCode:    link.ErrorCode,
		Occurrences:  link.Occurrences,
		Status:       string(link.Status),
		County:       link.County,
		ErrorDetails: link.ErrorDetails,
		UpdatedAt:    unixNow(),
		GSI1PK:       linkInversePartition(link.ErrorCode),
		GSI1SK:       linkInverseSortKey(link.ExecutionID),
	}
}

func itemToLink(it item) (ExecutionErrorLink, error) {
	if it.EntityType != entityTypeExecutionError {
		return ExecutionErrorLink{}, ErrEntityTypeMismatch
	}
	return ExecutionErrorLink{
		ExecutionID:  it.ExecutionID,
		ErrorCode:    it.ErrorCode,
		Occurrences:  it.Occurrences,
		Status:       ErrorStatus(it.Status),
		County:       it.County,
		ErrorDetails: it.ErrorDetails,
	}, nil
}

func executionToItem(exec FailedExecutionItem) item {
	it := item{
		PK: executionKey(exec.ExecutionID), SK: metadataSortKey,
		EntityType:       entityTypeFailedExec,
		ExecutionID:      exec.ExecutionID,
		OpenErrorCount:   exec.OpenErrorCount,
		UniqueErrorCount: exec.UniqueErrorCount,
		TotalOccurrences: exec.TotalOccurrences,
		ErrorType:        exec.ErrorType,
		Status:           string(exec.Status),
		County:           exec.County,
		TaskToken:        exec.TaskToken,
		PreparedS3URI:    exec.PreparedS3URI,
		CreatedAt:        exec.CreatedAt.Unix(),
		UpdatedAt:        exec.UpdatedAt.Unix(),
		GSI1PK:           execMetricPartition,
		GSI1SK:           execGsiSortKey(exec.Status, exec.OpenErrorCount, exec.ExecutionID),
		GSI3PK:           gs3ExecPartition,
		GSI3SK:           typeBucketSortKey(exec.ErrorType, exec.Status, exec.OpenErrorCount, exec.ExecutionID),
	}
	if exec.Source != nil {
		it.SourceBucket = aws.String(exec.Source.Bucket)
		it.SourceKey = aws.String(exec.Source.Key)
	}
	return it
}

func itemToExecution(it item) (FailedExecutionItem, error) {
	if it.EntityType != entityTypeFailedExec {
		return FailedExecutionItem{}, ErrEntityTypeMismatch
	}
	exec := FailedExecutionItem{
		ExecutionID:      it.ExecutionID,
		OpenErrorCount:   it.OpenErrorCount,
		UniqueErrorCount: it.UniqueErrorCount,
		TotalOccurrences: it.TotalOccurrences,
		ErrorType:        it.ErrorType,
		Status:           ErrorStatus(it.Status),
		County:           it.County,
		TaskToken:        it.TaskToken,
		PreparedS3URI:    it.PreparedS3URI,
		CreatedAt:        time.Unix(it.CreatedAt, 0).UTC(),
		UpdatedAt:        time.Unix(it.UpdatedAt, 0).UTC(),
	}
	if it.SourceBucket != nil && it.SourceKey != nil {
		exec.Source = &S3Pointer{Bucket: *it.SourceBucket, Key: *it.SourceKey}
	}
	return exec, nil
}

func (s *DynamoStore) getItem(ctx context.Context, pk, sk string) (item, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return item{}, false, err
	}
	if out.Item == nil {
		return item{}, false, nil
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return item{}, false, err
	}
	return it, true, nil
}

// SaveErrorRecords implements §4.1 saveErrorRecords in four steps: atomic
// per-code ErrorRecord increments outside any transaction, a Query of the
// execution's existing links to compute the merged state, a single
// transaction upserting the FailedExecutionItem and its links, then a
// GSI-key refresh re-read of each touched ErrorRecord.
func (s *DynamoStore) SaveErrorRecords(ctx context.Context, event WorkflowEvent) (SaveResult, error) {
	occurrencesByCode := make(map[string]int64)
	detailsByCode := make(map[string][]byte)
	var order []string
	for _, e := range event.Errors {
		if _, seen := occurrencesByCode[e.Code]; !seen {
			order = append(order, e.Code)
		}
		occurrencesByCode[e.Code]++
		detailsByCode[e.Code] = e.Details
	}

	// Step 2: ErrorRecord counter upserts, individually, outside any
	// transaction, with retry against contention (§4.1 rationale: these
	// rows are shared across executions and the hottest write path).
	for _, code := range order {
		if err := s.upsertErrorRecordCounter(ctx, code, occurrencesByCode[code], event.ExecutionID); err != nil {
			return SaveResult{}, fmt.Errorf("upserting error record %s: %w", code, err)
		}
	}

	// Step 3: merge incoming occurrences onto existing links, then
	// transact-write the execution row and every touched link.
	existingLinks, err := s.QueryExecutionErrorLinks(ctx, event.ExecutionID)
	if err != nil {
		return SaveResult{}, fmt.Errorf("reading existing links for %s: %w", event.ExecutionID, err)
	}
	byCode := make(map[string]ExecutionErrorLink, len(existingLinks))
	for _, l := range existingLinks {
		byCode[l.ErrorCode] = l
	}
	for _, code := range order {
		link, exists := byCode[code]
		if !exists {
			link = ExecutionErrorLink{ExecutionID: event.ExecutionID, ErrorCode: code, Status: StatusFailed}
		} else if link.Status.IsTerminal() {
			link.Status = StatusFailed
		}
		link.Occurrences += occurrencesByCode[code]
		link.County = event.County
		link.ErrorDetails = detailsByCode[code]
		byCode[code] = link
	}

	exec, found, err := s.GetExecution(ctx, event.ExecutionID)
	if err != nil {
		return SaveResult{}, fmt.Errorf("reading execution %s: %w", event.ExecutionID, err)
	}
	if !found {
		exec = FailedExecutionItem{ExecutionID: event.ExecutionID, Status: StatusFailed, CreatedAt: time.Now().UTC()}
	}
	exec.County = event.County
	if event.TaskToken != nil {
		exec.TaskToken = event.TaskToken
	}
	if event.PreparedS3URI != nil {
		exec.PreparedS3URI = event.PreparedS3URI
	}
	if event.Source != nil {
		exec.Source = event.Source
	}
	if len(order) > 0 {
		exec.ErrorType = errorType(order[len(order)-1])
	}
	exec.UpdatedAt = time.Now().UTC()

	var unique, total int64
	for _, l := range byCode {
		unique++
		total += l.Occurrences
	}
	var open int64
	for _, l := range byCode {
		if !l.Status.IsTerminal() {
			open++
		}
	}
	exec.UniqueErrorCount = unique
	exec.TotalOccurrences = total
	exec.OpenErrorCount = open

	transactItems := make([]types.TransactWriteItem, 0, len(order)+1)
	execAV, err := attributevalue.MarshalMap(executionToItem(exec))
	if err != nil {
		return SaveResult{}, fmt.Errorf("marshaling execution: %w", err)
	}
	transactItems = append(transactItems, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.table), Item: execAV}})

	for _, code := range order {
		linkAV, err := attributevalue.MarshalMap(linkToItem(byCode[code]))
		if err != nil {
			return SaveResult{}, fmt.Errorf("marshaling link %s: %w", code, err)
		}
		transactItems = append(transactItems, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.table), Item: linkAV}})
	}

	if err := retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: transactItems})
		return err
	}); err != nil {
		return SaveResult{}, fmt.Errorf("transact-writing execution %s: %w", event.ExecutionID, err)
	}

	// Step 4: re-read each touched ErrorRecord's true post-increment
	// count and rewrite its GSI sort keys.
	for _, code := range order {
		if err := s.refreshErrorRecordSortKeys(ctx, code); err != nil {
			continue // not reported: SaveResult has no error field, so the sort keys lag until the next refresh
		}
	}

	return SaveResult{UniqueErrorCount: unique, TotalOccurrences: total, ErrorCodes: order}, nil
}

func (s *DynamoStore) upsertErrorRecordCounter(ctx context.Context, code string, occ int64, executionID string) error {
	now := unixNow()
	expr, err := expression.NewBuilder().WithUpdate(
		expression.Add(expression.Name("totalCount"), expression.Value(occ)).
			Set(expression.Name("entityType"), expression.Value(entityTypeErrorRecord)).
			Set(expression.Name("errorCode"), expression.Value(code)).
			Set(expression.Name("errorType"), expression.Value(errorType(code))).
			Set(expression.Name("latestExecutionId"), expression.Value(executionID)).
			Set(expression.Name("updatedAt"), expression.Value(now)).
			Set(expression.Name("createdAt"), expression.IfNotExists(expression.Name("createdAt"), expression.Value(now))).
			Set(expression.Name("status"), expression.IfNotExists(expression.Name("status"), expression.Value(string(StatusFailed)))).
			Set(expression.Name("gsi2pk"), expression.Value(errorTypePartition)),
	).Build()
	if err != nil {
		return err
	}

	return retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: errorRecordKey(code)},
				"sk": &types.AttributeValueMemberS{Value: metadataSortKey},
			},
			UpdateExpression:          expr.Update(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		return err
	})
}

// refreshErrorRecordSortKeys re-reads an ErrorRecord's true totalCount and
// rewrites gsi2sk/gsi3sk to match (§4.1 step 4).
func (s *DynamoStore) refreshErrorRecordSortKeys(ctx context.Context, code string) error {
	it, found, err := s.getItem(ctx, errorRecordKey(code), metadataSortKey)
	if err != nil {
		return err
	}
	if !found || it.EntityType != entityTypeErrorRecord {
		return ErrNotFound
	}

	status := ErrorStatus(it.Status)
	expr, err := expression.NewBuilder().WithUpdate(
		expression.Set(expression.Name("gsi2sk"), expression.Value(errorGsiSortKey(status, it.TotalCount, code))).
			Set(expression.Name("gsi3pk"), expression.Value(gs3ErrPartition)).
			Set(expression.Name("gsi3sk"), expression.Value(typeBucketSortKey(it.ErrorType, status, it.TotalCount, code))),
	).Build()
	if err != nil {
		return err
	}

	return retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: errorRecordKey(code)},
				"sk": &types.AttributeValueMemberS{Value: metadataSortKey},
			},
			UpdateExpression:          expr.Update(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		return err
	})
}

func (s *DynamoStore) UpdateExecutionMetadata(ctx context.Context, event WorkflowEvent) error {
	builder := expression.Set(expression.Name("entityType"), expression.Value(entityTypeFailedExec)).
		Set(expression.Name("executionId"), expression.Value(event.ExecutionID)).
		Set(expression.Name("county"), expression.Value(event.County)).
		Set(expression.Name("updatedAt"), expression.Value(unixNow())).
		Set(expression.Name("createdAt"), expression.IfNotExists(expression.Name("createdAt"), expression.Value(unixNow()))).
		Set(expression.Name("status"), expression.IfNotExists(expression.Name("status"), expression.Value(string(StatusFailed)))).
		Set(expression.Name("gsi1pk"), expression.Value(execMetricPartition))
	if event.TaskToken != nil {
		builder = builder.Set(expression.Name("taskToken"), expression.Value(*event.TaskToken))
	}
	if event.PreparedS3URI != nil {
		builder = builder.Set(expression.Name("preparedS3Uri"), expression.Value(*event.PreparedS3URI))
	}
	if event.Source != nil {
		builder = builder.Set(expression.Name("sourceS3Bucket"), expression.Value(event.Source.Bucket)).
			Set(expression.Name("sourceS3Key"), expression.Value(event.Source.Key))
	}

	expr, err := expression.NewBuilder().WithUpdate(builder).Build()
	if err != nil {
		return err
	}

	return retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: executionKey(event.ExecutionID)},
				"sk": &types.AttributeValueMemberS{Value: metadataSortKey},
			},
			UpdateExpression:          expr.Update(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		return err
	})
}

func (s *DynamoStore) QueryExecutionByErrorCount(ctx context.Context, sortOrder string, errType string) (FailedExecutionItem, bool, error) {
	forward := sortOrder == "least"

	if errType != "" {
		keyExpr, err := expression.NewBuilder().WithKeyCondition(
			expression.Key("gsi3pk").Equal(expression.Value(gs3ExecPartition)).
				And(expression.Key("gsi3sk").BeginsWith("COUNT#" + errType + "#")),
		).Build()
		if err != nil {
			return FailedExecutionItem{}, false, err
		}
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(indexGSI3),
			KeyConditionExpression:    keyExpr.KeyCondition(),
			ExpressionAttributeNames:  keyExpr.Names(),
			ExpressionAttributeValues: keyExpr.Values(),
			ScanIndexForward:          aws.Bool(forward),
			Limit:                     aws.Int32(1),
		})
		if err != nil {
			return FailedExecutionItem{}, false, err
		}
		return firstExecutionFromItems(out.Items)
	}

	keyExpr, err := expression.NewBuilder().WithKeyCondition(
		expression.Key("gsi1pk").Equal(expression.Value(execMetricPartition)),
	).Build()
	if err != nil {
		return FailedExecutionItem{}, false, err
	}
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(indexGSI1),
		KeyConditionExpression:    keyExpr.KeyCondition(),
		ExpressionAttributeNames:  keyExpr.Names(),
		ExpressionAttributeValues: keyExpr.Values(),
		ScanIndexForward:          aws.Bool(forward),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return FailedExecutionItem{}, false, err
	}
	return firstExecutionFromItems(out.Items)
}

func firstExecutionFromItems(rows []map[string]types.AttributeValue) (FailedExecutionItem, bool, error) {
	if len(rows) == 0 {
		return FailedExecutionItem{}, false, nil
	}
	var it item
	if err := attributevalue.UnmarshalMap(rows[0], &it); err != nil {
		return FailedExecutionItem{}, false, err
	}
	exec, err := itemToExecution(it)
	if err != nil {
		return FailedExecutionItem{}, false, err
	}
	return exec, true, nil
}

func (s *DynamoStore) GetExecution(ctx context.Context, executionID string) (FailedExecutionItem, bool, error) {
	it, found, err := s.getItem(ctx, executionKey(executionID), metadataSortKey)
	if err != nil || !found {
		return FailedExecutionItem{}, found, err
	}
	exec, err := itemToExecution(it)
	if err != nil {
		return FailedExecutionItem{}, false, err
	}
	return exec, true, nil
}

func (s *DynamoStore) QueryExecutionErrorLinks(ctx context.Context, executionID string) ([]ExecutionErrorLink, error) {
	keyExpr, err := expression.NewBuilder().WithKeyCondition(
		expression.Key("pk").Equal(expression.Value(executionKey(executionID))).
			And(expression.Key("sk").BeginsWith("ERROR#")),
	).Build()
	if err != nil {
		return nil, err
	}

	var links []ExecutionErrorLink
	var lastKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    keyExpr.KeyCondition(),
			ExpressionAttributeNames:  keyExpr.Names(),
			ExpressionAttributeValues: keyExpr.Values(),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return nil, err
		}
		for _, row := range out.Items {
			var it item
			if err := attributevalue.UnmarshalMap(row, &it); err != nil {
				return nil, err
			}
			if it.EntityType != entityTypeExecutionError {
				continue
			}
			link, err := itemToLink(it)
			if err != nil {
				continue
			}
			links = append(links, link)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	return links, nil
}

func (s *DynamoStore) QueryErrorLinksForErrorCode(ctx context.Context, errorCode string) ([]ExecutionErrorLink, error) {
	keyExpr, err := expression.NewBuilder().WithKeyCondition(
		expression.Key("gsi1pk").Equal(expression.Value(linkInversePartition(errorCode))),
	).Build()
	if err != nil {
		return nil, err
	}

	var links []ExecutionErrorLink
	var lastKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(indexGSI1),
			KeyConditionExpression:    keyExpr.KeyCondition(),
			ExpressionAttributeNames:  keyExpr.Names(),
			ExpressionAttributeValues: keyExpr.Values(),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return nil, err
		}
		for _, row := range out.Items {
			var it item
			if err := attributevalue.UnmarshalMap(row, &it); err != nil {
				return nil, err
			}
			link, err := itemToLink(it)
			if err != nil {
				continue
			}
			links = append(links, link)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	return links, nil
}

func (s *DynamoStore) DecrementOpenErrorCount(ctx context.Context, executionID string, by int64) (DecrementResult, error) {
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name("openErrorCount"), expression.Value(-by)).
			Set(expression.Name("updatedAt"), expression.Value(unixNow()))).
		WithCondition(expression.Name("entityType").Equal(expression.Value(entityTypeFailedExec)).
			And(expression.Name("openErrorCount").GreaterThanEqual(expression.Value(by)))).
		Build()
	if err != nil {
		return DecrementResult{}, err
	}

	var out *dynamodb.UpdateItemOutput
	err = retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
		var opErr error
		out, opErr = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: executionKey(executionID)},
				"sk": &types.AttributeValueMemberS{Value: metadataSortKey},
			},
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ReturnValues:              types.ReturnValueAllNew,
		})
		return opErr
	})
	if isConditionalCheckFailed(err) {
		return DecrementResult{ExecutionID: executionID, Found: false}, nil
	}
	if err != nil {
		return DecrementResult{}, err
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return DecrementResult{}, err
	}
	return DecrementResult{
		ExecutionID: executionID,
		Found:       true,
		NewCount:    it.OpenErrorCount,
		ErrorType:   it.ErrorType,
		TaskToken:   it.TaskToken,
		County:      it.County,
	}, nil
}

func (s *DynamoStore) BatchDecrementOpenErrorCounts(ctx context.Context, inputs []DecrementInput) ([]DecrementResult, error) {
	result, err := batch.ProcessParallel(ctx, batch.DefaultParallelConfig(), inputs,
		func(ctx context.Context, in DecrementInput) (DecrementResult, error) {
			return s.DecrementOpenErrorCount(ctx, in.ID, in.By)
		}, nil)
	if err != nil && len(result.Results) == 0 {
		return nil, err
	}
	return result.Results, nil
}

func (s *DynamoStore) decrementErrorRecordCount(ctx context.Context, code string, by int64) (ErrorCodeDecrementResult, error) {
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name("totalCount"), expression.Value(-by)).
			Set(expression.Name("updatedAt"), expression.Value(unixNow()))).
		WithCondition(expression.Name("entityType").Equal(expression.Value(entityTypeErrorRecord)).
			And(expression.Name("totalCount").GreaterThanEqual(expression.Value(by)))).
		Build()
	if err != nil {
		return ErrorCodeDecrementResult{}, err
	}

	var out *dynamodb.UpdateItemOutput
	err = retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
		var opErr error
		out, opErr = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: errorRecordKey(code)},
				"sk": &types.AttributeValueMemberS{Value: metadataSortKey},
			},
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ReturnValues:              types.ReturnValueAllNew,
		})
		return opErr
	})
	if isConditionalCheckFailed(err) {
		return ErrorCodeDecrementResult{ErrorCode: code, Found: false}, nil
	}
	if err != nil {
		return ErrorCodeDecrementResult{}, err
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return ErrorCodeDecrementResult{}, err
	}
	return ErrorCodeDecrementResult{ErrorCode: code, Found: true, NewCount: it.TotalCount, ErrorType: it.ErrorType}, nil
}

func (s *DynamoStore) BatchDecrementErrorRecordCounts(ctx context.Context, inputs []DecrementInput) ([]ErrorCodeDecrementResult, error) {
	result, err := batch.ProcessParallel(ctx, batch.DefaultParallelConfig(), inputs,
		func(ctx context.Context, in DecrementInput) (ErrorCodeDecrementResult, error) {
			return s.decrementErrorRecordCount(ctx, in.ID, in.By)
		}, nil)
	if err != nil && len(result.Results) == 0 {
		return nil, err
	}
	return result.Results, nil
}

func (s *DynamoStore) BatchUpdateExecutionGsiKeys(ctx context.Context, updates []GsiUpdate) error {
	_, err := batch.ProcessParallel(ctx, batch.DefaultParallelConfig(), updates,
		func(ctx context.Context, u GsiUpdate) (struct{}, error) {
			expr, err := expression.NewBuilder().WithUpdate(
				expression.Set(expression.Name("gsi1sk"), expression.Value(execGsiSortKey(u.Status, u.NewCount, u.ID))).
					Set(expression.Name("gsi3sk"), expression.Value(typeBucketSortKey(u.ErrorType, u.Status, u.NewCount, u.ID))),
			).Build()
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
				_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
					TableName: aws.String(s.table),
					Key: map[string]types.AttributeValue{
						"pk": &types.AttributeValueMemberS{Value: executionKey(u.ID)},
						"sk": &types.AttributeValueMemberS{Value: metadataSortKey},
					},
					UpdateExpression:          expr.Update(),
					ExpressionAttributeNames:  expr.Names(),
					ExpressionAttributeValues: expr.Values(),
				})
				return err
			})
		}, nil)
	// With fail-fast off, ProcessParallel reports an error only when every
	// update failed; the caller logs it and carries on (§4.1: sort keys may
	// lag, §3.2 invariant 5). A partial failure is not reported.
	return err
}

func (s *DynamoStore) BatchUpdateErrorRecordGsiKeys(ctx context.Context, updates []GsiUpdate) error {
	_, err := batch.ProcessParallel(ctx, batch.DefaultParallelConfig(), updates,
		func(ctx context.Context, u GsiUpdate) (struct{}, error) {
			return struct{}{}, s.refreshErrorRecordSortKeys(ctx, u.ID)
		}, nil)
	return err
}

// chunk splits ids into groups of at most batchWriteChunk.
func chunk(ids []string, size int) [][]string {
	var chunks [][]string
	for size < len(ids) {
		ids, chunks = ids[size:], append(chunks, ids[:size:size])
	}
	return append(chunks, ids)
}

func (s *DynamoStore) batchDelete(ctx context.Context, keyFn func(id string) (string, string), ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, group := range chunk(ids, batchWriteChunk) {
		writeRequests := make([]types.WriteRequest, 0, len(group))
		for _, id := range group {
			pk, sk := keyFn(id)
			writeRequests = append(writeRequests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
					"pk": &types.AttributeValueMemberS{Value: pk},
					"sk": &types.AttributeValueMemberS{Value: sk},
				}},
			})
		}

		attempts := 0
		for len(writeRequests) > 0 && attempts < 3 {
			var unprocessed map[string][]types.WriteRequest
			err := retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
				out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
					RequestItems: map[string][]types.WriteRequest{s.table: writeRequests},
				})
				if err != nil {
					return err
				}
				unprocessed = out.UnprocessedItems
				return nil
			})
			if err != nil {
				return err
			}
			writeRequests = unprocessed[s.table]
			attempts++
		}
	}
	return nil
}

func (s *DynamoStore) BatchDeleteFailedExecutionItems(ctx context.Context, ids []string) error {
	return s.batchDelete(ctx, func(id string) (string, string) { return executionKey(id), metadataSortKey }, ids)
}

func (s *DynamoStore) BatchDeleteErrorRecords(ctx context.Context, codes []string) error {
	return s.batchDelete(ctx, func(code string) (string, string) { return errorRecordKey(code), metadataSortKey }, codes)
}

func (s *DynamoStore) DeleteErrorsForExecution(ctx context.Context, executionID string) error {
	links, err := s.QueryExecutionErrorLinks(ctx, executionID)
	if err != nil {
		return err
	}

	decrements := make([]DecrementInput, 0, len(links))
	for _, l := range links {
		decrements = append(decrements, DecrementInput{ID: l.ErrorCode, By: l.Occurrences})
	}
	results, err := s.BatchDecrementErrorRecordCounts(ctx, decrements)
	if err != nil {
		return err
	}

	var deleteCodes []string
	for _, r := range results {
		if r.Found && r.NewCount <= 0 {
			deleteCodes = append(deleteCodes, r.ErrorCode)
		}
	}
	if err := s.BatchDeleteErrorRecords(ctx, deleteCodes); err != nil {
		return err
	}

	linkIDs := make([]string, 0, len(links))
	for _, l := range links {
		linkIDs = append(linkIDs, l.ErrorCode)
	}
	if err := s.batchDelete(ctx, func(code string) (string, string) { return executionKey(executionID), linkSK(code) }, linkIDs); err != nil {
		return err
	}

	return s.BatchDeleteFailedExecutionItems(ctx, []string{executionID})
}

func (s *DynamoStore) DeleteErrorFromAllExecutions(ctx context.Context, errorCode string) error {
	links, err := s.QueryErrorLinksForErrorCode(ctx, errorCode)
	if err != nil {
		return err
	}

	decrements := make([]DecrementInput, 0, len(links))
	for _, l := range links {
		decrements = append(decrements, DecrementInput{ID: l.ExecutionID, By: 1})
	}
	results, err := s.BatchDecrementOpenErrorCounts(ctx, decrements)
	if err != nil {
		return err
	}

	var deleteExecIDs []string
	for _, r := range results {
		if r.Found && r.NewCount <= 0 {
			deleteExecIDs = append(deleteExecIDs, r.ExecutionID)
		}
	}
	if err := s.BatchDeleteFailedExecutionItems(ctx, deleteExecIDs); err != nil {
		return err
	}

	for _, l := range links {
		if err := s.batchDelete(ctx, func(id string) (string, string) { return executionKey(id), linkSK(errorCode) }, []string{l.ExecutionID}); err != nil {
			return err
		}
	}

	return s.BatchDeleteErrorRecords(ctx, []string{errorCode})
}

func (s *DynamoStore) MarkErrorAsUnrecoverableForExecution(ctx context.Context, executionID string) error {
	links, err := s.QueryExecutionErrorLinks(ctx, executionID)
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := s.TransitionLinkStatus(ctx, executionID, l.ErrorCode, StatusMaybeUnrecoverable); err != nil {
			continue
		}
		_ = s.transitionErrorRecordStatus(ctx, l.ErrorCode, StatusMaybeUnrecoverable)
	}
	return s.transitionExecutionStatus(ctx, executionID, StatusMaybeUnrecoverable)
}

func (s *DynamoStore) MarkErrorAsUnrecoverableForErrorCode(ctx context.Context, errorCode string) error {
	links, err := s.QueryErrorLinksForErrorCode(ctx, errorCode)
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := s.TransitionLinkStatus(ctx, l.ExecutionID, errorCode, StatusMaybeUnrecoverable); err != nil {
			continue
		}
		_ = s.transitionExecutionStatus(ctx, l.ExecutionID, StatusMaybeUnrecoverable)
	}
	return s.transitionErrorRecordStatus(ctx, errorCode, StatusMaybeUnrecoverable)
}

func (s *DynamoStore) transitionExecutionStatus(ctx context.Context, executionID string, status ErrorStatus) error {
	expr, err := expression.NewBuilder().WithUpdate(
		expression.Set(expression.Name("status"), expression.Value(string(status))).
			Set(expression.Name("updatedAt"), expression.Value(unixNow())),
	).Build()
	if err != nil {
		return err
	}
	return retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: executionKey(executionID)},
				"sk": &types.AttributeValueMemberS{Value: metadataSortKey},
			},
			UpdateExpression:          expr.Update(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		return err
	})
}

func (s *DynamoStore) transitionErrorRecordStatus(ctx context.Context, errorCode string, status ErrorStatus) error {
	expr, err := expression.NewBuilder().WithUpdate(
		expression.Set(expression.Name("status"), expression.Value(string(status))).
			Set(expression.Name("updatedAt"), expression.Value(unixNow())),
	).Build()
	if err != nil {
		return err
	}
	return retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: errorRecordKey(errorCode)},
				"sk": &types.AttributeValueMemberS{Value: metadataSortKey},
			},
			UpdateExpression:          expr.Update(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		return err
	})
}

func (s *DynamoStore) TransitionLinkStatus(ctx context.Context, executionID, errorCode string, status ErrorStatus) error {
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Set(expression.Name("status"), expression.Value(string(status)))).
		WithCondition(expression.Name("entityType").Equal(expression.Value(entityTypeExecutionError))).
		Build()
	if err != nil {
		return err
	}

	err = retry.Do(ctx, s.policy, isRetryableDynamoError, func(ctx context.Context) error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: executionKey(executionID)},
				"sk": &types.AttributeValueMemberS{Value: linkSK(errorCode)},
			},
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		return err
	})
	if isConditionalCheckFailed(err) {
		return ErrNotFound
	}
	return err
}

// SetExecutionStatus sets one execution's status without touching its
// counters, used by the resolver to mark an execution maybeSolved before
// driving the restart pipeline.
func (s *DynamoStore) SetExecutionStatus(ctx context.Context, executionID string, status ErrorStatus) error {
	return s.transitionExecutionStatus(ctx, executionID, status)
}
