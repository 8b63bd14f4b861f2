// Package construct provides the AWS CDK construct that allocates ALB
// listener rule priorities at deploy time.
//
// Every stack that uses [PriorityAllocator] gets one allocator Lambda, one
// IAM role and one custom-resource provider. These are created on first use
// by a [Registry] the application constructs once and passes to every
// allocator:
//
//	registry := construct.NewRegistry(&construct.RegistryProps{
//	    CodePath: jsii.String("dist/priority-allocator"),
//	})
//
//	alloc := construct.NewPriorityAllocator(stack, "Priority", &construct.PriorityAllocatorProps{
//	    ListenerArn: listener.ListenerArn(),
//	    Registry:    registry,
//	})
//
//	listener.AddTargetGroups(jsii.String("Service"), &awselasticloadbalancingv2.AddApplicationTargetGroupsProps{
//	    Priority: alloc.Priority,
//	    ...
//	})
//
// The allocation table is shared by all stacks in the account and region. It
// is created by an SDK-call custom resource when missing and is never
// deleted by a stack.
package construct
