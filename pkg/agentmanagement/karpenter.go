// Package agentmanagement ships the concrete AgentManagement backends that
// the autoscaler's action planner drives: one backed by Kubernetes/Karpenter
// NodePools and their Nodes, one backed by EC2 instances launched from a
// tagged launch template. Both satisfy interfaces.AgentManagement.
package agentmanagement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"fleetautoscaler/pkg/interfaces"
	"fleetautoscaler/pkg/logger"
)

var (
	nodePoolGVR = schema.GroupVersionResource{Group: "karpenter.sh", Version: "v1", Resource: "nodepools"}
	nodeGVR     = schema.GroupVersionResource{Group: "", Version: "v1", Resource: "nodes"}
)

// tierLabelKey is the NodePool label the Karpenter backend reads to recover
// an instance group's tier; nodePoolLabelKey is the Node label that names the
// NodePool a Node belongs to. They are operator-configured because a fleet may already use these label
// keys for something else.
type KarpenterBackend struct {
	client           dynamic.Interface
	tierLabelKey     string
	nodePoolLabelKey string
}

// NewKarpenterBackend builds a Karpenter-backed AgentManagement. Nodes are
// modeled as instances, nodepools as instance groups.
func NewKarpenterBackend(client dynamic.Interface, tierLabelKey, nodePoolLabelKey string) *KarpenterBackend {
	if tierLabelKey == "" {
		tierLabelKey = "fleetautoscaler.io/tier"
	}
	if nodePoolLabelKey == "" {
		nodePoolLabelKey = "karpenter.sh/nodepool"
	}
	return &KarpenterBackend{client: client, tierLabelKey: tierLabelKey, nodePoolLabelKey: nodePoolLabelKey}
}

var _ interfaces.AgentManagement = (*KarpenterBackend)(nil)

func (b *KarpenterBackend) ListInstanceGroups(ctx context.Context) ([]interfaces.InstanceGroupView, error) {
	list, err := b.client.Resource(nodePoolGVR).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodepools: %w", err)
	}

	groups := make([]interfaces.InstanceGroupView, 0, len(list.Items))
	for _, item := range list.Items {
		labels := item.GetLabels()
		tier := labels[b.tierLabelKey]
		if tier == "" {
			continue
		}

		limits, _, _ := unstructured.NestedMap(item.Object, "spec", "limits")
		min, _, _ := unstructured.NestedInt64(item.Object, "spec", "limits", "minInstances")
		max := int64(0)
		if cpuLimit, ok := limits["cpu"]; ok {
			if s, ok := cpuLimit.(string); ok {
				if v, err := strconv.ParseInt(s, 10, 64); err == nil {
					max = v
				}
			}
		}
		current := int64(0)
		if v, found, _ := unstructured.NestedInt64(item.Object, "status", "resources", "nodes"); found {
			current = v
		}

		state := "Active"
		if disruptedAt, found, _ := unstructured.NestedString(item.Object, "spec", "disruption", "consolidateAfter"); found && disruptedAt == "Never" {
			state = "PhasedOut"
		}

		groups = append(groups, interfaces.InstanceGroupView{
			ID:             item.GetName(),
			Tier:           tier,
			InstanceType:   labels["node.kubernetes.io/instance-type"],
			LifecycleState: state,
			Min:            int(min),
			Current:        int(current),
			Desired:        int(current),
			Max:            int(max),
			Attributes:     labels,
		})
	}
	return groups, nil
}

func (b *KarpenterBackend) ListInstances(ctx context.Context, groupID string) ([]interfaces.InstanceView, error) {
	list, err := b.client.Resource(nodeGVR).List(ctx, metav1.ListOptions{
		LabelSelector: b.nodePoolLabelKey + "=" + groupID,
	})
	if err != nil {
		return nil, fmt.Errorf("list nodes for nodepool %s: %w", groupID, err)
	}

	instances := make([]interfaces.InstanceView, 0, len(list.Items))
	for _, item := range list.Items {
		lifecycle := "Unknown"
		conditions, found, _ := unstructured.NestedSlice(item.Object, "status", "conditions")
		if found {
			for _, c := range conditions {
				cond, ok := c.(map[string]interface{})
				if !ok {
					continue
				}
				if cond["type"] == "Ready" && cond["status"] == "True" {
					lifecycle = "Started"
				}
			}
		}

		var launchedAt time.Time
		if ts := item.GetCreationTimestamp(); !ts.IsZero() {
			launchedAt = ts.Time
		}

		instances = append(instances, interfaces.InstanceView{
			ID:              item.GetName(),
			InstanceGroupID: groupID,
			LifecycleState:  lifecycle,
			LaunchTimestamp: launchedAt,
			Attributes:      item.GetAnnotations(),
		})
	}
	return instances, nil
}

// ResourceLimits has no generic Kubernetes source of truth for an arbitrary
// instance type's resource envelope; Karpenter fleets are expected to
// configure per-nodepool limits instead, so this reports the nodepool's own
// published limits rather than querying a separate instance-type catalog.
func (b *KarpenterBackend) ResourceLimits(ctx context.Context, instanceType string) (interfaces.ResourceLimits, error) {
	obj, err := b.client.Resource(nodePoolGVR).Get(ctx, instanceType, metav1.GetOptions{})
	if err != nil {
		return interfaces.ResourceLimits{}, fmt.Errorf("get nodepool %s: %w", instanceType, err)
	}

	limits, found, _ := unstructured.NestedMap(obj.Object, "spec", "limits")
	if !found {
		return interfaces.ResourceLimits{}, fmt.Errorf("nodepool %s has no published limits", instanceType)
	}

	return interfaces.ResourceLimits{
		CPU:      parseQuantity(limits["cpu"]),
		MemoryMB: parseQuantity(limits["memory"]) / (1024 * 1024),
		DiskMB:   parseQuantity(limits["ephemeral-storage"]) / (1024 * 1024),
		NetMbps:  0,
	}, nil
}

func parseQuantity(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err == nil {
		return f
	}
	return 0
}

// ScaleUp raises the nodepool's declared instance-count hint by delta. The
// actual provisioning is left to the Karpenter controller watching the
// nodepool; this call only records the desired capacity it should converge
// toward, using the nodepool's fleetautoscaler.io/desired-hint annotation
// as a provisioning hint since NodePool has no native "desired count" field.
func (b *KarpenterBackend) ScaleUp(ctx context.Context, groupID string, delta int) error {
	if delta <= 0 {
		return nil
	}
	obj, err := b.client.Resource(nodePoolGVR).Get(ctx, groupID, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get nodepool %s: %w", groupID, err)
	}

	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	current, _ := strconv.ParseInt(annotations["fleetautoscaler.io/desired-hint"], 10, 64)
	target := current + int64(delta)

	annotations["fleetautoscaler.io/desired-hint"] = strconv.FormatInt(target, 10)
	obj.SetAnnotations(annotations)

	_, err = b.client.Resource(nodePoolGVR).Update(ctx, obj, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("update nodepool %s desired hint: %w", groupID, err)
	}
	logger.InfoCtx(ctx, "karpenter: raised desired-hint for nodepool %s by %d to %d", groupID, delta, target)
	return nil
}

func (b *KarpenterBackend) UpdateAgentInstanceAttributes(ctx context.Context, instanceID string, attrs map[string]string) error {
	obj, err := b.client.Resource(nodeGVR).Get(ctx, instanceID, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get node %s: %w", instanceID, err)
	}
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	for k, v := range attrs {
		annotations[k] = v
	}
	obj.SetAnnotations(annotations)
	_, err = b.client.Resource(nodeGVR).Update(ctx, obj, metav1.UpdateOptions{})
	return err
}

func (b *KarpenterBackend) DeleteAgentInstanceAttributes(ctx context.Context, instanceID string, keys []string) error {
	obj, err := b.client.Resource(nodeGVR).Get(ctx, instanceID, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get node %s: %w", instanceID, err)
	}
	annotations := obj.GetAnnotations()
	for _, k := range keys {
		delete(annotations, k)
	}
	obj.SetAnnotations(annotations)
	_, err = b.client.Resource(nodeGVR).Update(ctx, obj, metav1.UpdateOptions{})
	return err
}
