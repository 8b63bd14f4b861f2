package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/truemark/albpriority/logging"
	"github.com/truemark/albpriority/priority"
)

const (
	// DefaultTableName is the table shared by every priority allocator in an
	// account and region.
	DefaultTableName = "alb-listener-priorities"

	// DefaultSource is the provenance tag written to new records.
	DefaultSource = "CDK"

	// GSIServiceIdentifier is the name of the Global Secondary Index used to
	// find the priority held by a service. Partition key: ServiceIdentifier,
	// sort key: ListenerArn, projection: ALL.
	GSIServiceIdentifier = "ServiceIdentifierIndex"

	// ListenerArnAttr is the partition key attribute name.
	ListenerArnAttr = "ListenerArn"

	// PriorityAttr is the numeric sort key attribute name.
	PriorityAttr = "Priority"

	// ServiceIdentifierAttr is the attribute naming the owner of an
	// allocation. It is also the partition key of [GSIServiceIdentifier].
	ServiceIdentifierAttr = "ServiceIdentifier"

	// AllocatedAtAttr holds the RFC 3339 time the record was written.
	AllocatedAtAttr = "AllocatedAt"

	// SourceAttr holds the provenance tag of the record.
	SourceAttr = "Source"

	// maxBackoff is the maximum backoff duration for retry loops.
	maxBackoff = 2 * time.Second
)

// API is the subset of the DynamoDB client used by [Client]. It is satisfied
// by *dynamodb.Client.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Client is the DynamoDB-backed allocation store.
//
// Use [New] to create a Client, [Client.Connect] to initialize the underlying
// DynamoDB connection, and optionally [Client.EnsureTable] and [Client.Init]
// to create and validate the table.
type Client struct {
	client    API
	tableName string
	awsCfg    *aws.Config
	opts      *Options
	logger    logging.Logger
}

// New creates a new Client configured with the given AWS config, table name,
// and optional options. Call [Client.Connect] on the returned client before use.
func New(awsCfg *aws.Config, tableName string, opts ...Option) *Client {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	return &Client{
		awsCfg:    awsCfg,
		tableName: tableName,
		opts:      options,
	}
}

// Connect initializes the DynamoDB client from the AWS config provided to [New].
// It must be called before any other Client methods, and must complete before
// the Client is used concurrently.
func (c *Client) Connect() error {
	if c.tableName == "" {
		return errors.New("table name cannot be empty")
	}

	if err := c.opts.validate(); err != nil {
		return fmt.Errorf("invalid DynamoDB options: %w", err)
	}

	// Use injected DynamoDB API if provided (useful for testing).
	if c.opts.dynamoDBAPI != nil {
		c.client = c.opts.dynamoDBAPI
	} else {
		c.client = dynamodb.NewFromConfig(*c.awsCfg)
	}

	c.logger = c.opts.logger.
		WithField("component", "dynamodb").
		WithField("table_name", c.tableName)

	return nil
}

// TableName returns the table name supplied to [New].
func (c *Client) TableName() string {
	return c.tableName
}

// EnsureTable creates the allocation table if it does not exist. A table that
// already exists is not an error. Unless disabled with
// [WithTableWaitTimeout], EnsureTable then waits for the table to be ACTIVE.
func (c *Client) EnsureTable(ctx context.Context) error {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(c.tableName),
		AttributeDefinitions: []dynamodbtypes.AttributeDefinition{
			{AttributeName: aws.String(ListenerArnAttr), AttributeType: dynamodbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String(PriorityAttr), AttributeType: dynamodbtypes.ScalarAttributeTypeN},
			{AttributeName: aws.String(ServiceIdentifierAttr), AttributeType: dynamodbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []dynamodbtypes.KeySchemaElement{
			{AttributeName: aws.String(ListenerArnAttr), KeyType: dynamodbtypes.KeyTypeHash},
			{AttributeName: aws.String(PriorityAttr), KeyType: dynamodbtypes.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []dynamodbtypes.GlobalSecondaryIndex{
			{
				IndexName: aws.String(GSIServiceIdentifier),
				KeySchema: []dynamodbtypes.KeySchemaElement{
					{AttributeName: aws.String(ServiceIdentifierAttr), KeyType: dynamodbtypes.KeyTypeHash},
					{AttributeName: aws.String(ListenerArnAttr), KeyType: dynamodbtypes.KeyTypeRange},
				},
				Projection: &dynamodbtypes.Projection{ProjectionType: dynamodbtypes.ProjectionTypeAll},
			},
		},
		BillingMode: dynamodbtypes.BillingModePayPerRequest,
	}

	if _, err := c.client.CreateTable(ctx, input); err != nil {
		var inUse *dynamodbtypes.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create DynamoDB table %s: %w", c.tableName, err)
		}

		c.logger.Debug("Table already exists")
	} else {
		c.logger.Info("Table created")
	}

	if c.opts.tableWaitTimeout == 0 {
		return nil
	}

	waiter := dynamodb.NewTableExistsWaiter(c.client)

	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)}, c.opts.tableWaitTimeout); err != nil {
		return fmt.Errorf("failed waiting for DynamoDB table %s to become active: %w", c.tableName, err)
	}

	return nil
}

// Init validates the table schema: the table must exist and be ACTIVE, be
// keyed by ([ListenerArnAttr], [PriorityAttr]), and carry an ACTIVE
// [GSIServiceIdentifier] index with projection ALL.
//
// Pass skipSchemaValidation true to skip all checks and return immediately.
func (c *Client) Init(ctx context.Context, skipSchemaValidation bool) error {
	if skipSchemaValidation {
		return nil
	}

	input := &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	}

	response, err := c.client.DescribeTable(ctx, input)
	if err != nil {
		var notFoundError *dynamodbtypes.ResourceNotFoundException
		if errors.As(err, &notFoundError) {
			return fmt.Errorf("table %s does not exist", c.tableName)
		}
		return fmt.Errorf("failed to describe table %s: %w", c.tableName, err)
	}

	if response.Table == nil {
		return fmt.Errorf("table %s has no description", c.tableName)
	}

	if len(response.Table.KeySchema) < 1 {
		return fmt.Errorf("table %s has no key schema", c.tableName)
	}

	if aws.ToString(response.Table.KeySchema[0].AttributeName) != ListenerArnAttr {
		return fmt.Errorf("table %s has partition key %s, expected %s", c.tableName, aws.ToString(response.Table.KeySchema[0].AttributeName), ListenerArnAttr)
	}

	if len(response.Table.KeySchema) < 2 {
		return fmt.Errorf("table %s has a simple primary key, expected composite", c.tableName)
	}

	if aws.ToString(response.Table.KeySchema[1].AttributeName) != PriorityAttr {
		return fmt.Errorf("table %s has sort key %s, expected %s", c.tableName, aws.ToString(response.Table.KeySchema[1].AttributeName), PriorityAttr)
	}

	if response.Table.TableStatus != dynamodbtypes.TableStatusActive {
		return fmt.Errorf("table %s is not active (status: %s)", c.tableName, response.Table.TableStatus)
	}

	return verifySecondaryIndex(response.Table, GSIServiceIdentifier, ServiceIdentifierAttr, ListenerArnAttr)
}

// FindByService returns the priority held by serviceID on listenerID. The
// first item returned by the [GSIServiceIdentifier] index is authoritative.
// An item with a missing or malformed priority is treated as no allocation.
func (c *Client) FindByService(ctx context.Context, listenerID, serviceID string) (int, bool, error) {
	record, found, err := c.findRecord(ctx, listenerID, serviceID)
	if err != nil || !found {
		return 0, false, err
	}

	return record.Priority, true, nil
}

// ListPriorities returns every valid priority recorded for listenerID,
// following pagination until the listener's partition is exhausted.
func (c *Client) ListPriorities(ctx context.Context, listenerID string) (priority.Set, error) {
	records, err := c.ListRecords(ctx, listenerID)
	if err != nil {
		return nil, err
	}

	priorities := priority.NewSet()

	for _, r := range records {
		priorities.Add(r.Priority)
	}

	c.logger.WithField("listener_id", listenerID).Infof("Found %d priorities tracked in DynamoDB for listener", priorities.Len())

	return priorities, nil
}

// ListRecords returns every record for listenerID in ascending priority
// order. Items with a missing or malformed priority are skipped.
func (c *Client) ListRecords(ctx context.Context, listenerID string) ([]priority.Record, error) {
	if listenerID == "" {
		return nil, errors.New("listener ID cannot be empty")
	}

	queryInput := &dynamodb.QueryInput{
		TableName:              &c.tableName,
		KeyConditionExpression: aws.String(ListenerArnAttr + " = :arn"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":arn": &dynamodbtypes.AttributeValueMemberS{Value: listenerID},
		},
	}

	if c.opts.queryPageSize > 0 {
		queryInput.Limit = aws.Int32(c.opts.queryPageSize)
	}

	var records []priority.Record

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		output, err := c.client.Query(ctx, queryInput)
		if err != nil {
			return nil, fmt.Errorf("failed to query DynamoDB table %s: %w", c.tableName, err)
		}

		for _, item := range output.Items {
			record, ok := c.recordFromItem(item)
			if !ok {
				continue
			}

			records = append(records, record)
		}

		if output.LastEvaluatedKey == nil {
			break
		}

		queryInput.ExclusiveStartKey = output.LastEvaluatedKey
	}

	return records, nil
}

// TryInsert conditionally writes a record claiming p on listenerID for
// serviceID. It returns false, without error, when the priority is already
// held by another record.
func (c *Client) TryInsert(ctx context.Context, listenerID, serviceID string, p int) (bool, error) {
	if listenerID == "" {
		return false, errors.New("listener ID cannot be empty")
	}

	if serviceID == "" {
		return false, errors.New("service ID cannot be empty")
	}

	if !priority.Valid(p) {
		return false, fmt.Errorf("priority %d is outside the range [%d, %d]", p, priority.Min, priority.Max)
	}

	input := &dynamodb.PutItemInput{
		TableName: &c.tableName,
		Item: map[string]dynamodbtypes.AttributeValue{
			ListenerArnAttr:       &dynamodbtypes.AttributeValueMemberS{Value: listenerID},
			PriorityAttr:          &dynamodbtypes.AttributeValueMemberN{Value: strconv.Itoa(p)},
			ServiceIdentifierAttr: &dynamodbtypes.AttributeValueMemberS{Value: serviceID},
			AllocatedAtAttr:       &dynamodbtypes.AttributeValueMemberS{Value: c.opts.clock().UTC().Format(time.RFC3339Nano)},
			SourceAttr:            &dynamodbtypes.AttributeValueMemberS{Value: c.opts.source},
		},
		ConditionExpression: aws.String(fmt.Sprintf("attribute_not_exists(%s)", ListenerArnAttr)),
	}

	logger := c.logger.WithField("listener_id", listenerID).WithField("service_id", serviceID).WithField("priority", p)

	if _, err := c.client.PutItem(ctx, input); err != nil {
		var conditionFailed *dynamodbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			logger.Info("Priority already taken by a concurrent allocation")
			return false, nil
		}

		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			logger = logger.WithField("error_code", apiErr.ErrorCode())
		}

		logger.Errorf("Failed to write priority allocation: %v", err)

		return false, fmt.Errorf("failed to write priority %d to DynamoDB table %s: %w", p, c.tableName, err)
	}

	logger.Info("Priority allocated")

	return true, nil
}

// Delete removes the record for p on listenerID. It is a no-op if the record
// does not exist.
func (c *Client) Delete(ctx context.Context, listenerID string, p int) error {
	if listenerID == "" {
		return errors.New("listener ID cannot be empty")
	}

	deleteInput := &dynamodb.DeleteItemInput{
		TableName: &c.tableName,
		Key:       recordKey(listenerID, p),
	}

	if _, err := c.client.DeleteItem(ctx, deleteInput); err != nil {
		return fmt.Errorf("failed to delete priority %d from DynamoDB table %s: %w", p, c.tableName, err)
	}

	c.logger.WithField("listener_id", listenerID).WithField("priority", p).Info("Priority released")

	return nil
}

// DropAllData deletes every item from the DynamoDB table. It scans the table
// in pages and removes each page using BatchWriteItem with exponential backoff
// for unprocessed items.
//
// This method is intended for use in tests only. Do not call it in production.
func (c *Client) DropAllData(ctx context.Context) error {
	input := &dynamodb.ScanInput{
		TableName: aws.String(c.tableName),
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		output, err := c.client.Scan(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to scan DynamoDB table %s: %w", c.tableName, err)
		}

		// Process items in batches of 25 (DynamoDB BatchWriteItem limit).
		for i := 0; i < len(output.Items); i += 25 {
			end := min(i+25, len(output.Items))
			batch := output.Items[i:end]

			requestItems := make([]dynamodbtypes.WriteRequest, 0, len(batch))

			for _, item := range batch {
				requestItems = append(requestItems, dynamodbtypes.WriteRequest{
					DeleteRequest: &dynamodbtypes.DeleteRequest{
						Key: map[string]dynamodbtypes.AttributeValue{
							ListenerArnAttr: item[ListenerArnAttr],
							PriorityAttr:    item[PriorityAttr],
						},
					},
				})
			}

			if err := c.batchWrite(ctx, requestItems); err != nil {
				return err
			}
		}

		if output.LastEvaluatedKey == nil {
			break
		}

		input.ExclusiveStartKey = output.LastEvaluatedKey
	}

	return nil
}

func (c *Client) batchWrite(ctx context.Context, requestItems []dynamodbtypes.WriteRequest) error {
	batchInput := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]dynamodbtypes.WriteRequest{
			c.tableName: requestItems,
		},
	}

	// Retry with exponential backoff for unprocessed items.
	const maxRetries = 5
	backoff := 50 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		batchResult, err := c.client.BatchWriteItem(ctx, batchInput)
		if err != nil {
			return fmt.Errorf("failed to batch delete items from DynamoDB table %s: %w", c.tableName, err)
		}

		if len(batchResult.UnprocessedItems) == 0 {
			return nil
		}

		if attempt == maxRetries {
			return fmt.Errorf("%d unprocessed items after %d retries in DropAllData",
				len(batchResult.UnprocessedItems[c.tableName]), maxRetries)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
		batchInput.RequestItems = batchResult.UnprocessedItems
	}

	return nil
}

func (c *Client) findRecord(ctx context.Context, listenerID, serviceID string) (priority.Record, bool, error) {
	if listenerID == "" {
		return priority.Record{}, false, errors.New("listener ID cannot be empty")
	}

	if serviceID == "" {
		return priority.Record{}, false, errors.New("service ID cannot be empty")
	}

	queryInput := &dynamodb.QueryInput{
		TableName: &c.tableName,
		IndexName: aws.String(GSIServiceIdentifier),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":sid": &dynamodbtypes.AttributeValueMemberS{Value: serviceID},
			":arn": &dynamodbtypes.AttributeValueMemberS{Value: listenerID},
		},
		KeyConditionExpression: aws.String(fmt.Sprintf("%s = :sid AND %s = :arn", ServiceIdentifierAttr, ListenerArnAttr)),
	}

	output, err := c.client.Query(ctx, queryInput)
	if err != nil {
		return priority.Record{}, false, fmt.Errorf("failed to query DynamoDB table %s: %w", c.tableName, err)
	}

	if len(output.Items) == 0 {
		return priority.Record{}, false, nil
	}

	record, ok := c.recordFromItem(output.Items[0])
	if !ok {
		return priority.Record{}, false, nil
	}

	c.logger.WithField("listener_id", listenerID).WithField("service_id", serviceID).Infof("Found existing allocation: priority %d", record.Priority)

	return record, true, nil
}

// recordFromItem converts an item into a Record. It reports false, after
// logging a warning, when the priority attribute is missing or malformed.
func (c *Client) recordFromItem(item map[string]dynamodbtypes.AttributeValue) (priority.Record, bool) {
	raw := getNumberValue(item[PriorityAttr])

	p, ok := priority.Parse(raw)
	if !ok {
		c.logger.WithField("listener_id", getStringValue(item[ListenerArnAttr])).
			WithField("service_id", getStringValue(item[ServiceIdentifierAttr])).
			Warnf("Ignoring item with invalid priority %q", raw)
		return priority.Record{}, false
	}

	record := priority.Record{
		ListenerID: getStringValue(item[ListenerArnAttr]),
		Priority:   p,
		ServiceID:  getStringValue(item[ServiceIdentifierAttr]),
		Source:     getStringValue(item[SourceAttr]),
	}

	if allocatedAt, err := time.Parse(time.RFC3339Nano, getStringValue(item[AllocatedAtAttr])); err == nil {
		record.AllocatedAt = allocatedAt
	}

	return record, true
}

func recordKey(listenerID string, p int) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		ListenerArnAttr: &dynamodbtypes.AttributeValueMemberS{Value: listenerID},
		PriorityAttr:    &dynamodbtypes.AttributeValueMemberN{Value: strconv.Itoa(p)},
	}
}

func verifySecondaryIndex(table *dynamodbtypes.TableDescription, indexName, partitionKey, sortKey string) error {
	for _, index := range table.GlobalSecondaryIndexes {
		if aws.ToString(index.IndexName) != indexName {
			continue
		}

		if len(index.KeySchema) == 0 || aws.ToString(index.KeySchema[0].AttributeName) != partitionKey {
			return fmt.Errorf("global secondary index %s has no partition key %s", indexName, partitionKey)
		}

		if len(index.KeySchema) != 2 {
			return fmt.Errorf("global secondary index %s has a simple primary key, expected a composite primary key", indexName)
		}

		if aws.ToString(index.KeySchema[1].AttributeName) != sortKey {
			return fmt.Errorf("global secondary index %s has sort key %s, expected %s", indexName, aws.ToString(index.KeySchema[1].AttributeName), sortKey)
		}

		if index.IndexStatus != dynamodbtypes.IndexStatusActive {
			return fmt.Errorf("global secondary index %s is not active (status: %s)", indexName, index.IndexStatus)
		}

		if index.Projection == nil || index.Projection.ProjectionType != dynamodbtypes.ProjectionTypeAll {
			return fmt.Errorf("global secondary index %s must project all attributes", indexName)
		}

		return nil
	}

	return fmt.Errorf("global secondary index %s not found", indexName)
}

// getStringValue extracts the string value from a DynamoDB AttributeValue.
// It returns an empty string if the AttributeValue is not of type AttributeValueMemberS.
func getStringValue(attr dynamodbtypes.AttributeValue) string {
	if attrValue, ok := attr.(*dynamodbtypes.AttributeValueMemberS); ok {
		return attrValue.Value
	}

	return ""
}

// getNumberValue extracts the string form of a numeric AttributeValue. It
// returns an empty string if the AttributeValue is not of type AttributeValueMemberN.
func getNumberValue(attr dynamodbtypes.AttributeValue) string {
	if attrValue, ok := attr.(*dynamodbtypes.AttributeValueMemberN); ok {
		return attrValue.Value
	}

	return ""
}
