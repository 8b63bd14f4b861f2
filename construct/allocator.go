package construct

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"

	"github.com/truemark/albpriority/handler"
)

// ResourceType is the CloudFormation type of each allocation resource.
const ResourceType = "Custom::AlbListenerPriority"

var unsafeStackNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// PriorityAllocatorProps configures a [PriorityAllocator].
type PriorityAllocatorProps struct {
	// ListenerArn is the ALB listener the priority is allocated on. Required.
	ListenerArn *string

	// PreferredPriority is claimed when it is in range and free. Otherwise the
	// lowest free priority is allocated.
	PreferredPriority *float64

	// Registry supplies the per-stack Lambda, provider and table. Required.
	Registry *Registry
}

// PriorityAllocator allocates a unique listener rule priority through a
// Lambda-backed custom resource. Deleting the resource releases the priority.
type PriorityAllocator struct {
	constructs.Construct

	// Priority resolves to the allocated priority at deploy time.
	Priority *float64

	// ServiceIdentifier is the deterministic owner key of the allocation.
	ServiceIdentifier *string

	// Resource is the custom resource performing the allocation.
	Resource awscdk.CustomResource
}

// NewPriorityAllocator defines an allocation for props.ListenerArn. It panics
// when required props are missing, like other CDK constructors.
func NewPriorityAllocator(scope constructs.Construct, id string, props *PriorityAllocatorProps) *PriorityAllocator {
	if props == nil || props.ListenerArn == nil || props.Registry == nil {
		panic("construct: PriorityAllocatorProps.ListenerArn and Registry are required")
	}

	this := constructs.NewConstruct(scope, jsii.String(id))
	shared := props.Registry.GetOrCreate(this)

	serviceID := serviceIdentifier(this, *props.ListenerArn)

	properties := map[string]any{
		handler.PropListenerArn:       props.ListenerArn,
		handler.PropServiceIdentifier: jsii.String(serviceID),
		handler.PropTableName:         props.Registry.TableName(),
	}

	if props.PreferredPriority != nil {
		properties[handler.PropPreferredPriority] = jsii.String(strconv.FormatFloat(*props.PreferredPriority, 'f', -1, 64))
	}

	resource := awscdk.NewCustomResource(this, jsii.String("Resource"), &awscdk.CustomResourceProps{
		ServiceToken: shared.Provider.ServiceToken(),
		ResourceType: jsii.String(ResourceType),
		Properties:   &properties,
	})
	resource.Node().AddDependency(shared.Ensurer)

	allocated := awscdk.Token_AsNumber(resource.GetAtt(jsii.String(handler.AttrPriority)))

	awscdk.NewCfnOutput(this, jsii.String("ServiceIdentifier"), &awscdk.CfnOutputProps{
		Value:       jsii.String(serviceID),
		Description: jsii.String("Service identifier for priority allocation tracking"),
	})

	awscdk.NewCfnOutput(this, jsii.String("AllocatedPriority"), &awscdk.CfnOutputProps{
		Value:       resource.GetAttString(jsii.String(handler.AttrPriority)),
		Description: jsii.String("Auto-allocated priority for ALB listener rule"),
	})

	return &PriorityAllocator{
		Construct:         this,
		Priority:          allocated,
		ServiceIdentifier: jsii.String(serviceID),
		Resource:          resource,
	}
}

// serviceIdentifier derives "<stack>-<12 hex>" from the account, region,
// stack name, construct path and listener. The same construct in the same
// stack always yields the same identifier.
func serviceIdentifier(c constructs.Construct, listenerArn string) string {
	stack := awscdk.Stack_Of(c)
	stackName := *stack.StackName()

	input := strings.Join([]string{
		*stack.Account(),
		*stack.Region(),
		stackName,
		*c.Node().Path(),
		listenerArn,
	}, "/")

	sum := sha256.Sum256([]byte(input))

	return sanitizeStackName(stackName) + "-" + hex.EncodeToString(sum[:])[:12]
}

func sanitizeStackName(name string) string {
	return strings.ToLower(unsafeStackNameChars.ReplaceAllString(name, "-"))
}
