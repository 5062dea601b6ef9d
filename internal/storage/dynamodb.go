package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"
)

// DynamoDB item layout:
//   - Partition key: tbl (string) - the logical table name
//   - Sort key: rk (binary) - the row key; DynamoDB orders binary keys bytewise
//   - One attribute per column, named "c_" + column name, binary value
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name varindex \
//	  --attribute-definitions AttributeName=tbl,AttributeType=S AttributeName=rk,AttributeType=B \
//	  --key-schema AttributeName=tbl,KeyType=HASH AttributeName=rk,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
const (
	ddbPartitionAttr = "tbl"
	ddbSortAttr      = "rk"
	ddbColumnPrefix  = "c_"

	// ddbMutationWorkers bounds concurrent UpdateItem calls per batch
	ddbMutationWorkers = 8
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBStore implements Store on a single DynamoDB table. Single-cell
// compare-and-set maps onto conditional UpdateItem.
type DynamoDBStore struct {
	client    DDBClient
	tableName string
}

// NewDynamoDBStore wraps an existing client
func NewDynamoDBStore(client DDBClient, tableName string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: tableName}
}

// DynamoDBOptions configures a client built from the default AWS config chain
type DynamoDBOptions struct {
	Table    string
	Region   string
	Endpoint string
}

// OpenDynamoDB loads AWS configuration and connects to the named table
func OpenDynamoDB(ctx context.Context, opts DynamoDBOptions) (*DynamoDBStore, error) {
	if opts.Table == "" {
		return nil, errors.New("dynamodb table name is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewDynamoDBStore(client, opts.Table), nil
}

// Close is a no-op; the SDK client holds no resources that need release
func (s *DynamoDBStore) Close() error {
	return nil
}

func (s *DynamoDBStore) itemKey(table string, key []byte) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		ddbPartitionAttr: &types.AttributeValueMemberS{Value: table},
		ddbSortAttr:      &types.AttributeValueMemberB{Value: key},
	}
}

// Scan queries one page of a logical table in key order
func (s *DynamoDBStore) Scan(ctx context.Context, table string, opts ScanOptions) (*Page, error) {
	limit := pageLimit(opts)

	names := map[string]string{"#t": ddbPartitionAttr}
	values := map[string]types.AttributeValue{":t": &types.AttributeValueMemberS{Value: table}}
	cond := "#t = :t"

	start, exclusive := startKey(opts)
	switch {
	case len(start) > 0 && exclusive:
		names["#r"] = ddbSortAttr
		values[":a"] = &types.AttributeValueMemberB{Value: start}
		cond += " AND #r > :a"
	case len(opts.Prefix) > 0:
		names["#r"] = ddbSortAttr
		values[":p"] = &types.AttributeValueMemberB{Value: opts.Prefix}
		cond += " AND begins_with(#r, :p)"
	}

	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
		Limit:                     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query DynamoDB: %w", err)
	}

	page := &Page{}
	for _, item := range resp.Items {
		row, err := decodeItem(item)
		if err != nil {
			return nil, err
		}
		if len(opts.Prefix) > 0 && !bytes.HasPrefix(row.Key, opts.Prefix) {
			// walked past the prefix range on an After-bounded query
			return page, nil
		}
		r := project(row, opts.Columns)
		if len(row.Columns) > 0 && (opts.Filter == nil || opts.Filter(r)) {
			page.Rows = append(page.Rows, r)
		}
	}
	if resp.LastEvaluatedKey != nil {
		if rk, ok := resp.LastEvaluatedKey[ddbSortAttr].(*types.AttributeValueMemberB); ok {
			page.Next = rk.Value
		}
	}
	return page, nil
}

// Get reads a single row with a consistent read
func (s *DynamoDBStore) Get(ctx context.Context, table string, key []byte, columns ...string) (*Row, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(table, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if resp.Item == nil {
		return nil, ErrNotFound
	}
	row, err := decodeItem(resp.Item)
	if err != nil {
		return nil, err
	}
	if len(row.Columns) == 0 {
		return nil, ErrNotFound
	}
	return project(row, columns), nil
}

// ConditionalPut maps onto UpdateItem with a condition on the column attribute
func (s *DynamoDBStore) ConditionalPut(ctx context.Context, table string, key []byte, column string, expected, value []byte) (bool, error) {
	if len(key) == 0 || column == "" {
		return false, fmt.Errorf("%w: conditional put needs a row key and column", ErrInvalidMutation)
	}
	if value == nil {
		value = []byte{}
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      s.itemKey(table, key),
		UpdateExpression:         aws.String("SET #c = :v"),
		ExpressionAttributeNames: map[string]string{"#c": ddbColumnPrefix + column},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberB{Value: value},
		},
	}
	if expected == nil {
		input.ConditionExpression = aws.String("attribute_not_exists(#c)")
	} else {
		input.ConditionExpression = aws.String("#c = :e")
		input.ExpressionAttributeValues[":e"] = &types.AttributeValueMemberB{Value: expected}
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to conditionally update item: %w", err)
	}
	return true, nil
}

// BatchMutate issues one request per mutation, bounded in concurrency.
// DynamoDB has no multi-item partial update, and per-item requests give
// exactly the per-mutation failure reporting the contract asks for.
func (s *DynamoDBStore) BatchMutate(ctx context.Context, table string, mutations []Mutation) error {
	if len(mutations) == 0 {
		return nil
	}

	errs := make([]error, len(mutations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ddbMutationWorkers)
	for i := range mutations {
		m := &mutations[i]
		if err := m.Validate(); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			errs[i] = s.applyMutation(gctx, table, m)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	collector := newBatchCollector(table, len(mutations))
	for i, err := range errs {
		if err != nil {
			collector.fail(i, mutations[i].Key, err)
		}
	}
	return collector.err()
}

func (s *DynamoDBStore) applyMutation(ctx context.Context, table string, m *Mutation) error {
	if m.DeleteRow {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       s.itemKey(table, m.Key),
		})
		if err != nil {
			return fmt.Errorf("failed to delete item: %w", err)
		}
		if len(m.Put) == 0 {
			return nil
		}
	}

	expr, names, values := updateExpression(m)
	input := &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      s.itemKey(table, m.Key),
		UpdateExpression:         aws.String(expr),
		ExpressionAttributeNames: names,
	}
	if len(values) > 0 {
		input.ExpressionAttributeValues = values
	}
	switch {
	case m.Require != "":
		input.ConditionExpression = aws.String("attribute_exists(#req)")
		names["#req"] = ddbColumnPrefix + m.Require
	case len(m.Put) == 0:
		// column deletes must not materialize a missing row
		input.ConditionExpression = aws.String("attribute_exists(#rk)")
		names["#rk"] = ddbSortAttr
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			if m.Require != "" {
				return fmt.Errorf("%w: row lacks column %s", ErrConditionFailed, m.Require)
			}
			return nil
		}
		return fmt.Errorf("failed to update item: %w", err)
	}
	return nil
}

// updateExpression renders "SET #p0 = :v0, ... REMOVE #d0, ..." with
// deterministic placeholder numbering
func updateExpression(m *Mutation) (string, map[string]string, map[string]types.AttributeValue) {
	names := make(map[string]string)
	values := make(map[string]types.AttributeValue)

	cols := make([]string, 0, len(m.Put))
	for col := range m.Put {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var parts []string
	if len(cols) > 0 {
		sets := make([]string, len(cols))
		for i, col := range cols {
			n, v := "#p"+strconv.Itoa(i), ":v"+strconv.Itoa(i)
			names[n] = ddbColumnPrefix + col
			value := m.Put[col]
			if value == nil {
				value = []byte{}
			}
			values[v] = &types.AttributeValueMemberB{Value: value}
			sets[i] = n + " = " + v
		}
		parts = append(parts, "SET "+strings.Join(sets, ", "))
	}
	var removes []string
	for i, col := range m.Delete {
		if _, put := m.Put[col]; put {
			continue
		}
		n := "#d" + strconv.Itoa(i)
		names[n] = ddbColumnPrefix + col
		removes = append(removes, n)
	}
	if len(removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(removes, ", "))
	}
	return strings.Join(parts, " "), names, values
}

func decodeItem(item map[string]types.AttributeValue) (*Row, error) {
	rk, ok := item[ddbSortAttr].(*types.AttributeValueMemberB)
	if !ok {
		return nil, errors.New("invalid rk attribute in DynamoDB item")
	}
	row := &Row{Key: rk.Value, Columns: make(map[string][]byte, len(item))}
	for name, attr := range item {
		col, ok := strings.CutPrefix(name, ddbColumnPrefix)
		if !ok {
			continue
		}
		b, ok := attr.(*types.AttributeValueMemberB)
		if !ok {
			return nil, fmt.Errorf("invalid column attribute %s in DynamoDB item", name)
		}
		row.Columns[col] = b.Value
	}
	return row, nil
}
