// Package dynamodb provides the DynamoDB-backed allocation store used by the
// ALB listener rule priority allocator.
//
// # Overview
//
// One item is stored per allocated priority. The table is keyed by the
// listener ARN (partition key, [ListenerArnAttr]) and the numeric priority
// (sort key, [PriorityAttr]), so a conditional put on an absent key acts as a
// compare-and-swap that at most one concurrent allocator can win.
//
// A Global Secondary Index, [GSIServiceIdentifier], is keyed by
// ([ServiceIdentifierAttr], [ListenerArnAttr]) and answers "which priority
// does this service hold on this listener" in a single query.
//
// The schema is shared with tables created by earlier deployments and must
// not change.
//
// # Getting Started
//
//	client := dynamodb.New(&awsCfg, dynamodb.DefaultTableName,
//	    dynamodb.WithLogger(logger),
//	)
//	if err := client.Connect(); err != nil {
//	    return err
//	}
//
// Supply [WithAPI] to inject a custom or mock implementation of [API].
//
// # Malformed data
//
// Items whose priority attribute is missing, not numeric, or outside
// [1, 50000] are skipped by every read path rather than failing the request.
//
// # Concurrency
//
// [Client] is safe for concurrent use by multiple goroutines once
// [Client.Connect] has returned.
package dynamodb
