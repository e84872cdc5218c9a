package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// TenantStatus is the persisted view of a tenant's session state
type TenantStatus string

const (
	StatusPending        TenantStatus = "pending"
	StatusConnecting     TenantStatus = "connecting"
	StatusQRPending      TenantStatus = "qr_pending"
	StatusAuthenticating TenantStatus = "authenticating"
	StatusConnected      TenantStatus = "connected"
	StatusDisconnected   TenantStatus = "disconnected"
	StatusLoggedOut      TenantStatus = "logged_out"
	StatusFailed         TenantStatus = "failed"
)

// TenantRecord is the persisted schema for a tenant
type TenantRecord struct {
	TenantID        string       `dynamodbav:"tenant_id" json:"tenant_id"`
	DisplayName     string       `dynamodbav:"display_name,omitempty" json:"display_name,omitempty"`
	Status          TenantStatus `dynamodbav:"status" json:"status"`
	AutoReadEnabled bool         `dynamodbav:"auto_read_enabled" json:"auto_read_enabled"`
	WebhookEnabled  bool         `dynamodbav:"webhook_enabled" json:"webhook_enabled"`
	WebhookURL      string       `dynamodbav:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	OwnerUserID     string       `dynamodbav:"owner_user_id,omitempty" json:"owner_user_id,omitempty"`
	CreatedAt       time.Time    `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `dynamodbav:"updated_at" json:"updated_at"`
}

// Client is the interface for tenant registry operations
type Client interface {
	GetTenant(ctx context.Context, tenantID string) (*TenantRecord, error)
	CreateTenant(ctx context.Context, record *TenantRecord) error
	UpdateStatus(ctx context.Context, tenantID string, status TenantStatus) error
	UpdateWebhook(ctx context.Context, tenantID string, enabled bool, url string) error
	UpdateAutoRead(ctx context.Context, tenantID string, enabled bool) error
	UpdateDisplayName(ctx context.Context, tenantID, name string) error
	ListAll(ctx context.Context) ([]*TenantRecord, error)
	ListByStatus(ctx context.Context, status TenantStatus) ([]*TenantRecord, error)
	DeleteTenant(ctx context.Context, tenantID string) error
}

// ErrNotFound is returned by updates on a tenant that does not exist
var ErrNotFound = errors.New("tenant not found")

// ConditionalCheckFailed is returned when a conditional write fails
type ConditionalCheckFailed struct {
	TenantID string
}

func (e *ConditionalCheckFailed) Error() string {
	return "tenant already exists: " + e.TenantID
}

// DynamoClient implements Client using AWS DynamoDB
type DynamoClient struct {
	db        *dynamodb.Client
	tableName string
}

var _ Client = (*DynamoClient)(nil)

// New creates a new DynamoDB-backed registry client
func New(db *dynamodb.Client, tableName string) *DynamoClient {
	return &DynamoClient{db: db, tableName: tableName}
}

func (c *DynamoClient) key(tenantID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"tenant_id": &types.AttributeValueMemberS{Value: tenantID},
	}
}

// GetTenant fetches a tenant record by ID
func (c *DynamoClient) GetTenant(ctx context.Context, tenantID string) (*TenantRecord, error) {
	out, err := c.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(tenantID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec TenantRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal tenant: %w", err)
	}
	return &rec, nil
}

// CreateTenant creates a new tenant record (fails if already exists)
func (c *DynamoClient) CreateTenant(ctx context.Context, record *TenantRecord) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal tenant: %w", err)
	}
	_, err = c.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(tenant_id)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return &ConditionalCheckFailed{TenantID: record.TenantID}
	}
	if err != nil {
		return fmt.Errorf("dynamodb PutItem: %w", err)
	}
	return nil
}

// update applies a SET expression to an existing tenant and bumps updated_at
func (c *DynamoClient) update(ctx context.Context, tenantID, set string, names map[string]string, values map[string]types.AttributeValue) error {
	values[":ua"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)}
	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       c.key(tenantID),
		UpdateExpression:          aws.String("SET " + set + ", updated_at = :ua"),
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(tenant_id)"),
	}
	if len(names) > 0 {
		in.ExpressionAttributeNames = names
	}
	_, err := c.db.UpdateItem(ctx, in)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("dynamodb UpdateItem: %w", err)
	}
	return nil
}

// UpdateStatus updates the tenant status
func (c *DynamoClient) UpdateStatus(ctx context.Context, tenantID string, status TenantStatus) error {
	return c.update(ctx, tenantID, "#s = :s",
		map[string]string{"#s": "status"},
		map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(status)},
		})
}

// UpdateWebhook updates webhook delivery settings
func (c *DynamoClient) UpdateWebhook(ctx context.Context, tenantID string, enabled bool, url string) error {
	return c.update(ctx, tenantID, "webhook_enabled = :we, webhook_url = :wu", nil,
		map[string]types.AttributeValue{
			":we": &types.AttributeValueMemberBOOL{Value: enabled},
			":wu": &types.AttributeValueMemberS{Value: url},
		})
}

// UpdateAutoRead toggles automatic read receipts
func (c *DynamoClient) UpdateAutoRead(ctx context.Context, tenantID string, enabled bool) error {
	return c.update(ctx, tenantID, "auto_read_enabled = :ar", nil,
		map[string]types.AttributeValue{
			":ar": &types.AttributeValueMemberBOOL{Value: enabled},
		})
}

// UpdateDisplayName renames a tenant
func (c *DynamoClient) UpdateDisplayName(ctx context.Context, tenantID, name string) error {
	return c.update(ctx, tenantID, "display_name = :dn", nil,
		map[string]types.AttributeValue{
			":dn": &types.AttributeValueMemberS{Value: name},
		})
}

// ListAll returns all tenant records.
func (c *DynamoClient) ListAll(ctx context.Context) ([]*TenantRecord, error) {
	return c.scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(c.tableName),
	})
}

// ListByStatus returns all tenants with the given status
func (c *DynamoClient) ListByStatus(ctx context.Context, status TenantStatus) ([]*TenantRecord, error) {
	return c.scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(c.tableName),
		FilterExpression: aws.String("#s = :status"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
	})
}

// scan pages through the table; records that fail to unmarshal are skipped
func (c *DynamoClient) scan(ctx context.Context, in *dynamodb.ScanInput) ([]*TenantRecord, error) {
	var records []*TenantRecord
	p := dynamodb.NewScanPaginator(c.db, in)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Scan: %w", err)
		}
		for _, item := range out.Items {
			var rec TenantRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}
	}
	return records, nil
}

// DeleteTenant removes a tenant record
func (c *DynamoClient) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := c.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(tenantID),
	})
	return err
}

// ParseStatus validates a status string
func ParseStatus(s string) (TenantStatus, error) {
	switch st := TenantStatus(s); st {
	case StatusPending, StatusConnecting, StatusQRPending, StatusAuthenticating,
		StatusConnected, StatusDisconnected, StatusLoggedOut, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %s", strconv.Quote(s))
}
