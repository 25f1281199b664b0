package tableflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/codenohup/tableflow/internal/pkg/flowfs"
)

// DynamoDB bounds one BatchWriteItem call to 25 items and one
// BatchGetItem call to 100 keys. The engine's batchSize is independent
// of these; one engine flush may span several store pages.
const (
	dynamoBatchWriteLimit = 25
	dynamoBatchGetLimit   = 100
)

// Item is a stored row: attribute name to attribute value.
type Item map[string]*dynamodb.AttributeValue

type mutationKind int

const (
	putKind mutationKind = iota
	deleteKind
	incrementKind
)

// Mutation is one pending write operation against a table row.
type Mutation struct {
	kind   mutationKind
	Key    Item
	Attrs  Item             // non-key attributes written by a put
	Deltas map[string]int64 // per-attribute deltas applied by an increment
}

// NewPut builds a put mutation writing attrs at key
func NewPut(key Item, attrs Item) *Mutation {
	return &Mutation{kind: putKind, Key: key, Attrs: attrs}
}

// NewDelete builds a delete mutation removing the row at key
func NewDelete(key Item) *Mutation {
	return &Mutation{kind: deleteKind, Key: key}
}

// NewIncrement builds an increment mutation adding deltas to the
// numeric attributes of the row at key
func NewIncrement(key Item, deltas map[string]int64) *Mutation {
	return &Mutation{kind: incrementKind, Key: key, Deltas: deltas}
}

// Condition guards a conditional mutation. The mutation applies only
// if the named attribute currently equals the given value, or is absent
// when Equals is nil.
type Condition struct {
	Attribute string
	Equals    *dynamodb.AttributeValue
}

// Get is one pending point-read request.
type Get struct {
	Key        Item
	Attributes []string // projection; empty reads the whole row
	Consistent bool
}

// Result is the outcome of one mutation submitted through the
// callback-bearing path.
type Result struct {
	Mutation *Mutation
	Err      error
}

// ResultCallback receives per-mutation outcomes. Invocation order is
// not guaranteed to match submission order.
type ResultCallback func(Result)

// ResultConverter turns a raw lookup result into a caller-defined
// output value. The item is nil when the requested row does not exist.
type ResultConverter func(Item) (interface{}, error)

// Table is the store-client boundary the executors submit through.
type Table interface {
	Name() string

	// BatchSubmit submits the whole batch and waits for it to complete.
	BatchSubmit(ctx context.Context, batch []*Mutation) error

	// SubmitEach submits every mutation of the batch and reports each
	// outcome to callback. Used by the pooled callback path, where
	// several SubmitEach calls may be in flight concurrently. Returns
	// the first submission error so the task can fail even when the
	// callback ignores outcomes.
	SubmitEach(ctx context.Context, batch []*Mutation, callback ResultCallback) error

	// BatchLookup issues one multi-key read and returns results in
	// request order. Missing rows yield nil entries.
	BatchLookup(ctx context.Context, gets []*Get) ([]Item, error)

	// MutateIf applies m only if cond holds at the target row. The
	// store's condition-not-met signal surfaces as (false, nil), not
	// as an error.
	MutateIf(ctx context.Context, m *Mutation, cond *Condition) (bool, error)
}

// dynamoTable submits to one DynamoDB table
type dynamoTable struct {
	name string
	db   dynamodbiface.DynamoDBAPI
}

func (t *dynamoTable) Name() string {
	return t.name
}

// item merges key and non-key attributes into the full stored row
func (m *Mutation) item() Item {
	merged := make(Item, len(m.Key)+len(m.Attrs))
	for name, value := range m.Key {
		merged[name] = value
	}
	for name, value := range m.Attrs {
		merged[name] = value
	}
	return merged
}

func (t *dynamoTable) BatchSubmit(ctx context.Context, batch []*Mutation) error {
	writes := make([]*dynamodb.WriteRequest, 0, len(batch))
	increments := make([]*Mutation, 0)

	for _, m := range batch {
		switch m.kind {
		case putKind:
			writes = append(writes, &dynamodb.WriteRequest{
				PutRequest: &dynamodb.PutRequest{Item: m.item()},
			})
		case deleteKind:
			writes = append(writes, &dynamodb.WriteRequest{
				DeleteRequest: &dynamodb.DeleteRequest{Key: m.Key},
			})
		case incrementKind:
			// Increments have no multi-row call; they ride along the
			// batch as individual update requests.
			increments = append(increments, m)
		}
	}

	for _, page := range flowfs.SplitEvery(writes, dynamoBatchWriteLimit) {
		if err := t.submitWritePage(ctx, page); err != nil {
			return err
		}
	}

	for _, m := range increments {
		if _, err := t.db.UpdateItemWithContext(ctx, t.incrementInput(m, nil)); err != nil {
			return err
		}
	}

	return nil
}

// submitWritePage issues one BatchWriteItem page, re-driving unprocessed
// items until the store has accepted the whole page. Unprocessed items
// are the store's flow-control signal, not a failure.
func (t *dynamoTable) submitWritePage(ctx context.Context, page []*dynamodb.WriteRequest) error {
	pending := map[string][]*dynamodb.WriteRequest{t.name: page}
	for len(pending) > 0 {
		out, err := t.db.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return err
		}
		if len(out.UnprocessedItems) == 0 {
			break
		}
		pending = out.UnprocessedItems
	}
	return nil
}

func (t *dynamoTable) SubmitEach(ctx context.Context, batch []*Mutation, callback ResultCallback) error {
	var firstErr error
	for _, m := range batch {
		var err error
		switch m.kind {
		case putKind:
			_, err = t.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(t.name),
				Item:      m.item(),
			})
		case deleteKind:
			_, err = t.db.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(t.name),
				Key:       m.Key,
			})
		case incrementKind:
			_, err = t.db.UpdateItemWithContext(ctx, t.incrementInput(m, nil))
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		callback(Result{Mutation: m, Err: err})
	}
	return firstErr
}

// incrementInput builds the ADD update for an increment mutation,
// optionally guarded by cond
func (t *dynamoTable) incrementInput(m *Mutation, cond *Condition) *dynamodb.UpdateItemInput {
	attrs := make([]string, 0, len(m.Deltas))
	for attr := range m.Deltas {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	names := make(map[string]*string, len(attrs))
	values := make(map[string]*dynamodb.AttributeValue, len(attrs))
	terms := make([]string, 0, len(attrs))
	for i, attr := range attrs {
		nameRef := fmt.Sprintf("#a%d", i)
		valueRef := fmt.Sprintf(":v%d", i)
		names[nameRef] = aws.String(attr)
		values[valueRef] = &dynamodb.AttributeValue{
			N: aws.String(fmt.Sprintf("%d", m.Deltas[attr])),
		}
		terms = append(terms, fmt.Sprintf("%s %s", nameRef, valueRef))
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(t.name),
		Key:                       m.Key,
		UpdateExpression:          aws.String("ADD " + strings.Join(terms, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}

	if cond != nil {
		applyCondition(cond, input.ExpressionAttributeNames, input.ExpressionAttributeValues, &input.ConditionExpression)
	}
	return input
}

func applyCondition(cond *Condition, names map[string]*string, values map[string]*dynamodb.AttributeValue, expr **string) {
	names["#cond"] = aws.String(cond.Attribute)
	if cond.Equals == nil {
		*expr = aws.String("attribute_not_exists(#cond)")
		return
	}
	values[":cond"] = cond.Equals
	*expr = aws.String("#cond = :cond")
}

func (t *dynamoTable) MutateIf(ctx context.Context, m *Mutation, cond *Condition) (bool, error) {
	var err error
	switch m.kind {
	case putKind:
		input := &dynamodb.PutItemInput{
			TableName:                 aws.String(t.name),
			Item:                      m.item(),
			ExpressionAttributeNames:  map[string]*string{},
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{},
		}
		applyCondition(cond, input.ExpressionAttributeNames, input.ExpressionAttributeValues, &input.ConditionExpression)
		if len(input.ExpressionAttributeValues) == 0 {
			input.ExpressionAttributeValues = nil
		}
		_, err = t.db.PutItemWithContext(ctx, input)
	case deleteKind:
		input := &dynamodb.DeleteItemInput{
			TableName:                 aws.String(t.name),
			Key:                       m.Key,
			ExpressionAttributeNames:  map[string]*string{},
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{},
		}
		applyCondition(cond, input.ExpressionAttributeNames, input.ExpressionAttributeValues, &input.ConditionExpression)
		if len(input.ExpressionAttributeValues) == 0 {
			input.ExpressionAttributeValues = nil
		}
		_, err = t.db.DeleteItemWithContext(ctx, input)
	case incrementKind:
		_, err = t.db.UpdateItemWithContext(ctx, t.incrementInput(m, cond))
	}

	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *dynamoTable) BatchLookup(ctx context.Context, gets []*Get) ([]Item, error) {
	results := make([]Item, 0, len(gets))

	for _, page := range flowfs.SplitEvery(gets, dynamoBatchGetLimit) {
		items, err := t.lookupPage(ctx, page)
		if err != nil {
			return nil, err
		}
		results = append(results, items...)
	}

	return results, nil
}

// lookupPage issues one BatchGetItem page and reorders the store's
// unordered response into request order.
func (t *dynamoTable) lookupPage(ctx context.Context, page []*Get) ([]Item, error) {
	keys := make([]map[string]*dynamodb.AttributeValue, 0, len(page))
	consistent := false
	for _, g := range page {
		keys = append(keys, g.Key)
		consistent = consistent || g.Consistent
	}
	keyAttrs := keyAttributeNames(page[0].Key)

	request := &dynamodb.KeysAndAttributes{
		Keys:           keys,
		ConsistentRead: aws.Bool(consistent),
	}
	if projection := projectionFor(page, keyAttrs); projection != nil {
		request.ProjectionExpression = projection.expression
		request.ExpressionAttributeNames = projection.names
	}

	fetched := make(map[string]Item, len(page))
	pending := map[string]*dynamodb.KeysAndAttributes{t.name: request}
	for len(pending) > 0 {
		out, err := t.db.BatchGetItemWithContext(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range out.Responses[t.name] {
			fetched[keyString(Item(item), keyAttrs)] = Item(item)
		}
		if len(out.UnprocessedKeys) == 0 {
			break
		}
		pending = out.UnprocessedKeys
	}

	ordered := make([]Item, len(page))
	for i, g := range page {
		ordered[i] = fetched[keyString(g.Key, keyAttrs)]
	}
	return ordered, nil
}

type projection struct {
	expression *string
	names      map[string]*string
}

// projectionFor builds the page's projection expression from the union
// of all requested attributes plus the key attributes (needed to match
// responses back to requests). BatchGetItem applies one projection per
// table, so per-get projections collapse into their union. A page with
// any unprojected get reads whole rows.
func projectionFor(page []*Get, keyAttrs []string) *projection {
	union := make(map[string]bool)
	for _, g := range page {
		if len(g.Attributes) == 0 {
			return nil
		}
		for _, attr := range g.Attributes {
			union[attr] = true
		}
	}
	for _, attr := range keyAttrs {
		union[attr] = true
	}

	attrs := make([]string, 0, len(union))
	for attr := range union {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	names := make(map[string]*string, len(attrs))
	refs := make([]string, 0, len(attrs))
	for i, attr := range attrs {
		ref := fmt.Sprintf("#p%d", i)
		names[ref] = aws.String(attr)
		refs = append(refs, ref)
	}
	return &projection{
		expression: aws.String(strings.Join(refs, ", ")),
		names:      names,
	}
}

func keyAttributeNames(key Item) []string {
	names := make([]string, 0, len(key))
	for name := range key {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// keyString renders the key attributes of item into a deterministic
// string for matching responses to requests
func keyString(item Item, keyAttrs []string) string {
	var b strings.Builder
	for _, attr := range keyAttrs {
		b.WriteString(attr)
		b.WriteByte('=')
		if value := item[attr]; value != nil {
			b.WriteString(value.String())
		}
		b.WriteByte(';')
	}
	return b.String()
}
