package construct_test

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/assertions"
	"github.com/aws/aws-cdk-go/awscdk/v2/awssqs"
	"github.com/aws/jsii-runtime-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truemark/albpriority/construct"
	"github.com/truemark/albpriority/handler"
)

const testListenerArn = "arn:aws:elasticloadbalancing:us-east-1:123456789012:listener/app/alb/abc/def"

func newCodeDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bootstrap"), []byte("#!/bin/sh\n"), 0o755))

	return dir
}

func newStack(app awscdk.App, name string) awscdk.Stack {
	return awscdk.NewStack(app, jsii.String(name), &awscdk.StackProps{
		Env: &awscdk.Environment{
			Account: jsii.String("123456789012"),
			Region:  jsii.String("us-east-1"),
		},
	})
}

func TestPriorityAllocator_SharedResourcesOncePerStack(t *testing.T) {
	app := awscdk.NewApp(nil)
	stack := newStack(app, "ServiceStack")
	registry := construct.NewRegistry(&construct.RegistryProps{CodePath: jsii.String(newCodeDir(t))})

	construct.NewPriorityAllocator(stack, "First", &construct.PriorityAllocatorProps{
		ListenerArn: jsii.String(testListenerArn),
		Registry:    registry,
	})
	construct.NewPriorityAllocator(stack, "Second", &construct.PriorityAllocatorProps{
		ListenerArn: jsii.String(testListenerArn),
		Registry:    registry,
	})

	template := assertions.Template_FromStack(stack, nil)

	template.ResourceCountIs(jsii.String(construct.ResourceType), jsii.Number(2))
	template.ResourceCountIs(jsii.String("Custom::AWS"), jsii.Number(1))
	template.ResourcePropertiesCountIs(jsii.String("AWS::Lambda::Function"), map[string]any{
		"FunctionName": "priority-allocator-ServiceStack",
		"Runtime":      "provided.al2023",
		"Handler":      "bootstrap",
		"Timeout":      30,
		"MemorySize":   256,
	}, jsii.Number(1))

	assert.Equal(t, 1, registry.Len())
}

func TestPriorityAllocator_OneLambdaPerStack(t *testing.T) {
	app := awscdk.NewApp(nil)
	registry := construct.NewRegistry(&construct.RegistryProps{CodePath: jsii.String(newCodeDir(t))})

	stackA := newStack(app, "StackA")
	stackB := newStack(app, "StackB")

	for _, stack := range []awscdk.Stack{stackA, stackB} {
		construct.NewPriorityAllocator(stack, "Priority", &construct.PriorityAllocatorProps{
			ListenerArn: jsii.String(testListenerArn),
			Registry:    registry,
		})
	}

	assert.Equal(t, 2, registry.Len())
	assert.NotSame(t, registry.GetOrCreate(stackA), registry.GetOrCreate(stackB))
	assert.Same(t, registry.GetOrCreate(stackA), registry.GetOrCreate(stackA))

	assertions.Template_FromStack(stackB, nil).ResourcePropertiesCountIs(jsii.String("AWS::Lambda::Function"), map[string]any{
		"FunctionName": "priority-allocator-StackB",
	}, jsii.Number(1))
}

func TestPriorityAllocator_ResourceProperties(t *testing.T) {
	app := awscdk.NewApp(nil)
	stack := newStack(app, "ServiceStack")
	registry := construct.NewRegistry(&construct.RegistryProps{CodePath: jsii.String(newCodeDir(t))})

	alloc := construct.NewPriorityAllocator(stack, "Priority", &construct.PriorityAllocatorProps{
		ListenerArn:       jsii.String(testListenerArn),
		PreferredPriority: jsii.Number(100),
		Registry:          registry,
	})

	template := assertions.Template_FromStack(stack, nil)

	template.HasResourceProperties(jsii.String(construct.ResourceType), map[string]any{
		"ListenerArn":       testListenerArn,
		"ServiceIdentifier": *alloc.ServiceIdentifier,
		"TableName":         "alb-listener-priorities",
		"PreferredPriority": "100",
		"Timestamp":         assertions.Match_Absent(),
	})

	template.HasOutput(jsii.String("*"), map[string]any{
		"Value": *alloc.ServiceIdentifier,
	})

	require.NotNil(t, alloc.Priority)
	assert.True(t, *awscdk.Token_IsUnresolved(alloc.Priority))
}

func TestPriorityAllocator_NoPreferredPriority(t *testing.T) {
	app := awscdk.NewApp(nil)
	stack := newStack(app, "ServiceStack")
	registry := construct.NewRegistry(&construct.RegistryProps{CodePath: jsii.String(newCodeDir(t))})

	construct.NewPriorityAllocator(stack, "Priority", &construct.PriorityAllocatorProps{
		ListenerArn: jsii.String(testListenerArn),
		Registry:    registry,
	})

	assertions.Template_FromStack(stack, nil).HasResourceProperties(jsii.String(construct.ResourceType), map[string]any{
		"PreferredPriority": assertions.Match_Absent(),
	})
}

func TestPriorityAllocator_ServiceIdentifier(t *testing.T) {
	app := awscdk.NewApp(nil)
	stack := newStack(app, "My-Service-Stack")
	registry := construct.NewRegistry(&construct.RegistryProps{CodePath: jsii.String(newCodeDir(t))})

	first := construct.NewPriorityAllocator(stack, "First", &construct.PriorityAllocatorProps{
		ListenerArn: jsii.String(testListenerArn),
		Registry:    registry,
	})
	second := construct.NewPriorityAllocator(stack, "Second", &construct.PriorityAllocatorProps{
		ListenerArn: jsii.String(testListenerArn),
		Registry:    registry,
	})

	pattern := regexp.MustCompile(`^my-service-stack-[0-9a-f]{12}$`)
	assert.Regexp(t, pattern, *first.ServiceIdentifier)
	assert.Regexp(t, pattern, *second.ServiceIdentifier)
	assert.NotEqual(t, *first.ServiceIdentifier, *second.ServiceIdentifier)

	// Same path, account, region and listener in a fresh app yields the same identifier.
	again := construct.NewPriorityAllocator(newStack(awscdk.NewApp(nil), "My-Service-Stack"), "First", &construct.PriorityAllocatorProps{
		ListenerArn: jsii.String(testListenerArn),
		Registry:    construct.NewRegistry(&construct.RegistryProps{CodePath: jsii.String(newCodeDir(t))}),
	})
	assert.Equal(t, *first.ServiceIdentifier, *again.ServiceIdentifier)
}

func TestPriorityAllocator_TableEnsurer(t *testing.T) {
	app := awscdk.NewApp(nil)
	stack := newStack(app, "ServiceStack")
	registry := construct.NewRegistry(&construct.RegistryProps{CodePath: jsii.String(newCodeDir(t))})

	construct.NewPriorityAllocator(stack, "Priority", &construct.PriorityAllocatorProps{
		ListenerArn: jsii.String(testListenerArn),
		Registry:    registry,
	})

	template := assertions.Template_FromStack(stack, nil)

	template.HasResource(jsii.String("Custom::AWS"), map[string]any{
		"DeletionPolicy": "Retain",
	})

	template.HasResourceProperties(jsii.String("Custom::AWS"), map[string]any{
		"Create": assertions.Match_SerializedJson(assertions.Match_ObjectLike(&map[string]any{
			"service":                  "DynamoDB",
			"action":                   "createTable",
			"ignoreErrorCodesMatching": "ResourceInUseException",
		})),
	})
}

func TestPriorityAllocator_EventsQueue(t *testing.T) {
	app := awscdk.NewApp(nil)
	stack := newStack(app, "ServiceStack")

	queue := awssqs.NewQueue(stack, jsii.String("Events"), &awssqs.QueueProps{
		QueueName: jsii.String("priority-events.fifo"),
		Fifo:      jsii.Bool(true),
	})

	registry := construct.NewRegistry(&construct.RegistryProps{
		CodePath:    jsii.String(newCodeDir(t)),
		LogLevel:    jsii.String("debug"),
		EventsQueue: queue,
	})

	construct.NewPriorityAllocator(stack, "Priority", &construct.PriorityAllocatorProps{
		ListenerArn: jsii.String(testListenerArn),
		Registry:    registry,
	})

	assertions.Template_FromStack(stack, nil).HasResourceProperties(jsii.String("AWS::Lambda::Function"), map[string]any{
		"FunctionName": "priority-allocator-ServiceStack",
		"Environment": map[string]any{
			"Variables": map[string]any{
				handler.EnvLogLevel:    "debug",
				handler.EnvEventsQueue: assertions.Match_AnyValue(),
			},
		},
	})
}

func TestNewRegistry_RequiresCodePath(t *testing.T) {
	assert.Panics(t, func() {
		construct.NewRegistry(&construct.RegistryProps{})
	})
}

func TestNewPriorityAllocator_RequiresProps(t *testing.T) {
	app := awscdk.NewApp(nil)
	stack := newStack(app, "ServiceStack")

	assert.Panics(t, func() {
		construct.NewPriorityAllocator(stack, "Priority", &construct.PriorityAllocatorProps{
			ListenerArn: jsii.String(testListenerArn),
		})
	})
}

func TestSanitizeStackName(t *testing.T) {
	tests := map[string]string{
		"ServiceStack":     "servicestack",
		"My-Service-Stack": "my-service-stack",
		"my_stack.v2":      "my-stack-v2",
		"a b/c":            "a-b-c",
	}

	for in, want := range tests {
		assert.Equal(t, want, construct.ExportSanitizeStackName(in), in)
	}
}
