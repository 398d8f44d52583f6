// Package dynamotest provides an in-memory DynamoDB for tests and the local
// development server.
//
// It understands the subset of the expression language the store issues:
// conjunctions of comparisons, begins_with and attribute_exists over plain
// attribute names. Tables must be created through CreateTable first.
package dynamotest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type Item = map[string]types.AttributeValue

type index struct {
	hash, rng string
}

type table struct {
	name      string
	hash, rng string
	attrTypes map[string]types.ScalarAttributeType
	indexes   map[string]index
	items     map[string]Item
}

// Fake is a concurrency-safe in-memory DynamoDB.
type Fake struct {
	mu       sync.Mutex
	tables   map[string]*table
	failures map[string]error
	calls    map[string]int
}

// New returns an empty fake with no tables.
func New() *Fake {
	return &Fake{
		tables:   make(map[string]*table),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// Fail makes every later call of op ("PutItem", "Query", ...) return err.
// A nil err clears the failure.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Items returns a snapshot of every item in a table, ordered by primary key.
func (f *Fake) Items(tableName string) []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	return t.sorted(t.hash, t.rng, all(t))
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	return f.failures[op]
}

func (f *Fake) table(name *string) (*table, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found: " + aws.ToString(name))}
	}
	return t, nil
}

func (f *Fake) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateTable"); err != nil {
		return nil, err
	}

	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists: " + name)}
	}

	t := &table{
		name:      name,
		attrTypes: make(map[string]types.ScalarAttributeType),
		indexes:   make(map[string]index),
		items:     make(map[string]Item),
	}
	for _, def := range in.AttributeDefinitions {
		t.attrTypes[aws.ToString(def.AttributeName)] = def.AttributeType
	}
	t.hash, t.rng = keys(in.KeySchema)
	for _, gsi := range in.GlobalSecondaryIndexes {
		h, r := keys(gsi.KeySchema)
		t.indexes[aws.ToString(gsi.IndexName)] = index{hash: h, rng: r}
	}
	f.tables[name] = t

	return &dynamodb.CreateTableOutput{TableDescription: t.describe()}, nil
}

func (f *Fake) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DescribeTable"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: t.describe()}, nil
}

func (f *Fake) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.key(in.Item)
	if err != nil {
		return nil, err
	}
	t.items[key] = clone(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *Fake) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.key(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: project(item, aws.ToString(in.ProjectionExpression))}, nil
}

func (f *Fake) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.key(in.Key)
	if err != nil {
		return nil, err
	}
	delete(t.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

// Query evaluates the key condition, orders by sort key, applies Limit and
// then the filter, as DynamoDB does.
func (f *Fake) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	hash, rng, err := t.keysFor(in.IndexName)
	if err != nil {
		return nil, err
	}

	var matched []Item
	for _, item := range t.items {
		if _, ok := item[hash]; !ok {
			continue
		}
		ok, err := evaluate(aws.ToString(in.KeyConditionExpression), item, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, item)
		}
	}

	matched = t.sorted(hash, rng, matched)
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
	}

	out, err := filter(matched, in.FilterExpression, in.ProjectionExpression, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dynamodb.QueryOutput{Items: out, Count: int32(len(out)), ScannedCount: int32(len(matched))}, nil
}

func (f *Fake) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Scan"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	hash, rng, err := t.keysFor(in.IndexName)
	if err != nil {
		return nil, err
	}

	var candidates []Item
	for _, item := range t.items {
		if _, ok := item[hash]; ok {
			candidates = append(candidates, item)
		}
	}
	candidates = t.sorted(hash, rng, candidates)

	out, err := filter(candidates, in.FilterExpression, in.ProjectionExpression, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dynamodb.ScanOutput{Items: out, Count: int32(len(out)), ScannedCount: int32(len(candidates))}, nil
}

// --- table helpers ---

func keys(schema []types.KeySchemaElement) (hash, rng string) {
	for _, k := range schema {
		switch k.KeyType {
		case types.KeyTypeHash:
			hash = aws.ToString(k.AttributeName)
		case types.KeyTypeRange:
			rng = aws.ToString(k.AttributeName)
		}
	}
	return hash, rng
}

func (t *table) describe() *types.TableDescription {
	return &types.TableDescription{
		TableName:   aws.String(t.name),
		TableStatus: types.TableStatusActive,
		ItemCount:   aws.Int64(int64(len(t.items))),
	}
}

func (t *table) keysFor(indexName *string) (string, string, error) {
	if indexName == nil {
		return t.hash, t.rng, nil
	}
	idx, ok := t.indexes[*indexName]
	if !ok {
		return "", "", fmt.Errorf("dynamotest: table %s has no index %s", t.name, *indexName)
	}
	return idx.hash, idx.rng, nil
}

func (t *table) key(item Item) (string, error) {
	h, ok := item[t.hash]
	if !ok {
		return "", fmt.Errorf("dynamotest: missing key attribute %s", t.hash)
	}
	key := scalar(h)
	if t.rng != "" {
		r, ok := item[t.rng]
		if !ok {
			return "", fmt.Errorf("dynamotest: missing key attribute %s", t.rng)
		}
		key += "\x00" + scalar(r)
	}
	return key, nil
}

func (t *table) sorted(hash, rng string, items []Item) []Item {
	sort.SliceStable(items, func(i, j int) bool {
		if c := compare(items[i][hash], items[j][hash]); c != 0 {
			return c < 0
		}
		if rng == "" {
			return false
		}
		return compare(items[i][rng], items[j][rng]) < 0
	})
	return items
}

func all(t *table) []Item {
	items := make([]Item, 0, len(t.items))
	for _, item := range t.items {
		items = append(items, clone(item))
	}
	return items
}

// --- expression evaluation ---

var (
	reCompare    = regexp.MustCompile(`^(\w+)\s*(=|<>|<=|>=|<|>)\s*(:\w+)$`)
	reBeginsWith = regexp.MustCompile(`^begins_with\s*\(\s*(\w+)\s*,\s*(:\w+)\s*\)$`)
	reExists     = regexp.MustCompile(`^attribute_exists\s*\(\s*(\w+)\s*\)$`)
)

func filter(items []Item, expr, projection *string, values map[string]types.AttributeValue) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		ok, err := evaluate(aws.ToString(expr), item, values)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, project(item, aws.ToString(projection)))
		}
	}
	return out, nil
}

func evaluate(expr string, item Item, values map[string]types.AttributeValue) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		ok, err := evaluateClause(strings.TrimSpace(clause), item, values)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evaluateClause(clause string, item Item, values map[string]types.AttributeValue) (bool, error) {
	if m := reExists.FindStringSubmatch(clause); m != nil {
		_, ok := item[m[1]]
		return ok, nil
	}

	if m := reBeginsWith.FindStringSubmatch(clause); m != nil {
		prefix, ok := values[m[2]].(*types.AttributeValueMemberS)
		if !ok {
			return false, fmt.Errorf("dynamotest: %s must be a string", m[2])
		}
		attr, ok := item[m[1]].(*types.AttributeValueMemberS)
		return ok && strings.HasPrefix(attr.Value, prefix.Value), nil
	}

	if m := reCompare.FindStringSubmatch(clause); m != nil {
		operand, ok := values[m[3]]
		if !ok {
			return false, fmt.Errorf("dynamotest: missing value %s", m[3])
		}
		attr, ok := item[m[1]]
		if !ok || !sameType(attr, operand) {
			return false, nil
		}
		c := compare(attr, operand)
		switch m[2] {
		case "=":
			return c == 0, nil
		case "<>":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		case ">=":
			return c >= 0, nil
		}
	}

	return false, fmt.Errorf("dynamotest: unsupported expression %q", clause)
}

func sameType(a, b types.AttributeValue) bool {
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func compare(a, b types.AttributeValue) int {
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			break
		}
		x, _ := strconv.ParseFloat(av.Value, 64)
		y, _ := strconv.ParseFloat(bv.Value, 64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok {
			break
		}
		if av.Value == bv.Value {
			return 0
		}
		if !av.Value {
			return -1
		}
		return 1
	}
	return strings.Compare(scalar(a), scalar(b))
}

func scalar(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return av.Value
	case *types.AttributeValueMemberN:
		return av.Value
	case *types.AttributeValueMemberBOOL:
		return strconv.FormatBool(av.Value)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", av)
	}
}

func project(item Item, projection string) Item {
	if strings.TrimSpace(projection) == "" {
		return clone(item)
	}
	out := make(Item)
	for _, name := range strings.Split(projection, ",") {
		name = strings.TrimSpace(name)
		if v, ok := item[name]; ok {
			out[name] = v
		}
	}
	return out
}

func clone(item Item) Item {
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
