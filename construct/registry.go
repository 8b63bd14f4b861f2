package construct

import (
	"fmt"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsdynamodb"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/aws-cdk-go/awscdk/v2/awssqs"
	"github.com/aws/aws-cdk-go/awscdk/v2/customresources"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"

	"github.com/truemark/albpriority/dynamodb"
	"github.com/truemark/albpriority/handler"
)

const (
	ensurerID  = "PriorityAllocatorTableEnsurer"
	tableID    = "PriorityAllocatorTable"
	roleID     = "PriorityAllocatorLambdaRole"
	functionID = "PriorityAllocatorLambda"
	providerID = "PriorityAllocatorProvider"
)

// RegistryProps configures the resources a [Registry] creates for each stack.
type RegistryProps struct {
	// CodePath is a directory or zip file holding a "bootstrap" executable
	// built from cmd/priority-allocator for linux/arm64. An asset is created
	// from it in each stack.
	CodePath *string

	// TableName overrides the shared allocation table name.
	// Default: dynamodb.DefaultTableName.
	TableName *string

	// LogLevel sets the Lambda log level. Default: "info".
	LogLevel *string

	// EventsQueue optionally receives an event for every committed allocation
	// and release. It must be a FIFO queue.
	EventsQueue awssqs.IQueue
}

// Shared holds the per-stack resources used by every allocator in that stack.
type Shared struct {
	Table    awsdynamodb.ITable
	Ensurer  customresources.AwsCustomResource
	Role     awsiam.Role
	Function awslambda.Function
	Provider customresources.Provider
}

// Registry creates the shared allocator resources once per stack. It is keyed
// by the stack's construct path, so stacks in the same app each get their own
// Lambda and provider while sharing the table by name.
//
// A Registry is not safe for concurrent use; CDK synthesis is single-threaded.
type Registry struct {
	props  RegistryProps
	stacks map[string]*Shared
}

// NewRegistry returns an empty registry. CodePath is required.
func NewRegistry(props *RegistryProps) *Registry {
	if props == nil || props.CodePath == nil {
		panic("construct: RegistryProps.CodePath is required")
	}

	p := *props
	if p.TableName == nil {
		p.TableName = jsii.String(dynamodb.DefaultTableName)
	}

	if p.LogLevel == nil {
		p.LogLevel = jsii.String("info")
	}

	return &Registry{
		props:  p,
		stacks: make(map[string]*Shared),
	}
}

// TableName returns the allocation table name used by every stack.
func (r *Registry) TableName() *string {
	return r.props.TableName
}

// Len returns the number of stacks the registry has provisioned.
func (r *Registry) Len() int {
	return len(r.stacks)
}

// GetOrCreate returns the shared resources for the stack containing scope,
// creating them on first use.
func (r *Registry) GetOrCreate(scope constructs.Construct) *Shared {
	stack := awscdk.Stack_Of(scope)
	key := *stack.Node().Path()

	if shared, ok := r.stacks[key]; ok {
		return shared
	}

	shared := &Shared{}
	shared.Ensurer = r.newTableEnsurer(stack)
	shared.Table = awsdynamodb.Table_FromTableName(stack, jsii.String(tableID), r.props.TableName)
	shared.Role = r.newRole(stack, shared.Table)
	shared.Function = r.newFunction(stack, shared.Role)
	shared.Provider = customresources.NewProvider(stack, jsii.String(providerID), &customresources.ProviderProps{
		OnEventHandler: shared.Function,
	})

	r.stacks[key] = shared

	return shared
}

// newTableEnsurer creates the table through an SDK call on stack creation.
// An existing table makes CreateTable fail with ResourceInUseException, which
// is ignored; the table is retained when the stack is deleted.
func (r *Registry) newTableEnsurer(stack awscdk.Stack) customresources.AwsCustomResource {
	physicalID := customresources.PhysicalResourceId_Of(jsii.String(fmt.Sprintf("%s-ensurer", *r.props.TableName)))

	return customresources.NewAwsCustomResource(stack, jsii.String(ensurerID), &customresources.AwsCustomResourceProps{
		OnCreate: &customresources.AwsSdkCall{
			Service:                  jsii.String("DynamoDB"),
			Action:                   jsii.String("createTable"),
			Parameters:               createTableParameters(*r.props.TableName),
			PhysicalResourceId:       physicalID,
			IgnoreErrorCodesMatching: jsii.String("ResourceInUseException"),
		},
		OnUpdate: &customresources.AwsSdkCall{
			Service: jsii.String("DynamoDB"),
			Action:  jsii.String("describeTable"),
			Parameters: map[string]any{
				"TableName": r.props.TableName,
			},
			PhysicalResourceId: physicalID,
		},
		Policy: customresources.AwsCustomResourcePolicy_FromStatements(&[]awsiam.PolicyStatement{
			awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
				Effect: awsiam.Effect_ALLOW,
				Actions: jsii.Strings(
					"dynamodb:CreateTable",
					"dynamodb:DescribeTable",
				),
				Resources: jsii.Strings("*"),
			}),
		}),
		RemovalPolicy: awscdk.RemovalPolicy_RETAIN,
	})
}

func createTableParameters(tableName string) map[string]any {
	return map[string]any{
		"TableName": tableName,
		"AttributeDefinitions": []map[string]string{
			{"AttributeName": dynamodb.ListenerArnAttr, "AttributeType": "S"},
			{"AttributeName": dynamodb.PriorityAttr, "AttributeType": "N"},
			{"AttributeName": dynamodb.ServiceIdentifierAttr, "AttributeType": "S"},
		},
		"KeySchema": []map[string]string{
			{"AttributeName": dynamodb.ListenerArnAttr, "KeyType": "HASH"},
			{"AttributeName": dynamodb.PriorityAttr, "KeyType": "RANGE"},
		},
		"GlobalSecondaryIndexes": []map[string]any{
			{
				"IndexName": dynamodb.GSIServiceIdentifier,
				"KeySchema": []map[string]string{
					{"AttributeName": dynamodb.ServiceIdentifierAttr, "KeyType": "HASH"},
					{"AttributeName": dynamodb.ListenerArnAttr, "KeyType": "RANGE"},
				},
				"Projection": map[string]string{"ProjectionType": "ALL"},
			},
		},
		"BillingMode": "PAY_PER_REQUEST",
	}
}

func (r *Registry) newRole(stack awscdk.Stack, table awsdynamodb.ITable) awsiam.Role {
	role := awsiam.NewRole(stack, jsii.String(roleID), &awsiam.RoleProps{
		AssumedBy:   awsiam.NewServicePrincipal(jsii.String("lambda.amazonaws.com"), nil),
		Description: jsii.String("Role for ALB Priority Allocator Lambda function"),
	})

	role.AddManagedPolicy(awsiam.ManagedPolicy_FromAwsManagedPolicyName(jsii.String("service-role/AWSLambdaBasicExecutionRole")))

	role.AddToPolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Effect: awsiam.Effect_ALLOW,
		Actions: jsii.Strings(
			"elasticloadbalancing:DescribeListeners",
			"elasticloadbalancing:DescribeRules",
		),
		Resources: jsii.Strings("*"),
	}))

	role.AddToPolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Effect: awsiam.Effect_ALLOW,
		Actions: jsii.Strings(
			"dynamodb:Query",
			"dynamodb:GetItem",
			"dynamodb:PutItem",
			"dynamodb:DeleteItem",
		),
		Resources: &[]*string{
			table.TableArn(),
			jsii.String(*table.TableArn() + "/index/*"),
		},
	}))

	if r.props.EventsQueue != nil {
		r.props.EventsQueue.GrantSendMessages(role)
	}

	return role
}

func (r *Registry) newFunction(stack awscdk.Stack, role awsiam.Role) awslambda.Function {
	stackName := *stack.StackName()

	env := map[string]*string{
		handler.EnvLogLevel: r.props.LogLevel,
	}

	if r.props.EventsQueue != nil {
		env[handler.EnvEventsQueue] = r.props.EventsQueue.QueueName()
	}

	return awslambda.NewFunction(stack, jsii.String(functionID), &awslambda.FunctionProps{
		FunctionName: jsii.String("priority-allocator-" + stackName),
		Description:  jsii.String(fmt.Sprintf("Allocates unique priorities for ALB listener rules (%s)", stackName)),
		Runtime:      awslambda.Runtime_PROVIDED_AL2023(),
		Architecture: awslambda.Architecture_ARM_64(),
		Handler:      jsii.String("bootstrap"),
		Code:         awslambda.Code_FromAsset(r.props.CodePath, nil),
		Role:         role,
		Timeout:      awscdk.Duration_Seconds(jsii.Number(30)),
		MemorySize:   jsii.Number(256),
		Environment:  &env,
	})
}
