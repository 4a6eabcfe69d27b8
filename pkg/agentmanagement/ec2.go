package agentmanagement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"fleetautoscaler/pkg/interfaces"
	"fleetautoscaler/pkg/logger"
)

// EC2 tags the autoscaler reads and writes. Instance groups have no native
// EC2 concept the way an Auto Scaling Group does in the full AWS API
// surface; absent the autoscaling SDK module, groups are modeled as the set
// of instances sharing a "fleetautoscaler:instance-group" tag, and ScaleUp
// launches additional instances from that group's launch template.
const (
	tagInstanceGroup = "fleetautoscaler:instance-group"
	tagTier          = "fleetautoscaler:tier"
	tagMinSize       = "fleetautoscaler:min"
	tagMaxSize       = "fleetautoscaler:max"
)

// EC2Backend is the AgentManagement implementation backed directly by EC2
// instances and launch templates, for fleets that run self-managed groups
// rather than Karpenter.
type EC2Backend struct {
	client              *ec2.Client
	groupLaunchTemplate map[string]string // instance group ID -> launch template ID
}

// NewEC2Backend builds an EC2-backed AgentManagement.
func NewEC2Backend(client *ec2.Client, groupLaunchTemplate map[string]string) *EC2Backend {
	return &EC2Backend{client: client, groupLaunchTemplate: groupLaunchTemplate}
}

var _ interfaces.AgentManagement = (*EC2Backend)(nil)

func (b *EC2Backend) ListInstanceGroups(ctx context.Context) ([]interfaces.InstanceGroupView, error) {
	paginator := ec2.NewDescribeInstancesPaginator(b.client, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag-key"), Values: []string{tagInstanceGroup}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})

	type acc struct {
		tier         string
		instanceType string
		min, max     int
		current      int
	}
	groups := make(map[string]*acc)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				tags := tagMap(inst.Tags)
				groupID := tags[tagInstanceGroup]
				if groupID == "" {
					continue
				}
				g, ok := groups[groupID]
				if !ok {
					g = &acc{tier: tags[tagTier], instanceType: string(inst.InstanceType)}
					g.min, _ = strconv.Atoi(tags[tagMinSize])
					g.max, _ = strconv.Atoi(tags[tagMaxSize])
					groups[groupID] = g
				}
				g.current++
			}
		}
	}

	views := make([]interfaces.InstanceGroupView, 0, len(groups))
	for id, g := range groups {
		views = append(views, interfaces.InstanceGroupView{
			ID:             id,
			Tier:           g.tier,
			InstanceType:   g.instanceType,
			LifecycleState: "Active",
			Min:            g.min,
			Current:        g.current,
			Desired:        g.current,
			Max:            g.max,
		})
	}
	return views, nil
}

func (b *EC2Backend) ListInstances(ctx context.Context, groupID string) ([]interfaces.InstanceView, error) {
	out, err := b.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagInstanceGroup), Values: []string{groupID}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe instances for group %s: %w", groupID, err)
	}

	var instances []interfaces.InstanceView
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			state := "Unknown"
			if inst.State != nil {
				switch inst.State.Name {
				case types.InstanceStateNameRunning:
					state = "Started"
				case types.InstanceStateNamePending:
					state = "Starting"
				}
			}
			var launchedAt time.Time
			if inst.LaunchTime != nil {
				launchedAt = *inst.LaunchTime
			}
			instances = append(instances, interfaces.InstanceView{
				ID:              aws.ToString(inst.InstanceId),
				InstanceGroupID: groupID,
				LifecycleState:  state,
				LaunchTimestamp: launchedAt,
				Attributes:      tagMap(inst.Tags),
			})
		}
	}
	return instances, nil
}

func (b *EC2Backend) ResourceLimits(ctx context.Context, instanceType string) (interfaces.ResourceLimits, error) {
	out, err := b.client.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
		InstanceTypes: []types.InstanceType{types.InstanceType(instanceType)},
	})
	if err != nil {
		return interfaces.ResourceLimits{}, fmt.Errorf("describe instance type %s: %w", instanceType, err)
	}
	if len(out.InstanceTypes) == 0 {
		return interfaces.ResourceLimits{}, fmt.Errorf("unknown instance type %s", instanceType)
	}

	it := out.InstanceTypes[0]
	limits := interfaces.ResourceLimits{}
	if it.VCpuInfo != nil && it.VCpuInfo.DefaultVCpus != nil {
		limits.CPU = float64(*it.VCpuInfo.DefaultVCpus)
	}
	if it.MemoryInfo != nil && it.MemoryInfo.SizeInMiB != nil {
		limits.MemoryMB = float64(*it.MemoryInfo.SizeInMiB)
	}
	if it.InstanceStorageInfo != nil && it.InstanceStorageInfo.TotalSizeInGB != nil {
		limits.DiskMB = float64(*it.InstanceStorageInfo.TotalSizeInGB) * 1024
	}
	if it.NetworkInfo != nil && it.NetworkInfo.NetworkPerformance != nil {
		limits.NetMbps = parseNetworkPerformance(*it.NetworkInfo.NetworkPerformance)
	}
	return limits, nil
}

func parseNetworkPerformance(s string) float64 {
	var n float64
	_, _ = fmt.Sscanf(s, "%f", &n)
	return n * 1000 // "10 Gigabit" -> Mbps
}

// ScaleUp launches delta additional instances from the group's launch
// template, tagged so they are picked up as members of groupID on the next
// snapshot.
func (b *EC2Backend) ScaleUp(ctx context.Context, groupID string, delta int) error {
	if delta <= 0 {
		return nil
	}
	templateID, ok := b.groupLaunchTemplate[groupID]
	if !ok {
		return fmt.Errorf("no launch template configured for instance group %s", groupID)
	}

	_, err := b.client.RunInstances(ctx, &ec2.RunInstancesInput{
		LaunchTemplate: &types.LaunchTemplateSpecification{LaunchTemplateId: aws.String(templateID)},
		MinCount:       aws.Int32(int32(delta)),
		MaxCount:       aws.Int32(int32(delta)),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String(tagInstanceGroup), Value: aws.String(groupID)},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("run instances for group %s: %w", groupID, err)
	}
	logger.InfoCtx(ctx, "ec2: launched %d instances for group %s", delta, groupID)
	return nil
}

func (b *EC2Backend) UpdateAgentInstanceAttributes(ctx context.Context, instanceID string, attrs map[string]string) error {
	tags := make([]types.Tag, 0, len(attrs))
	for k, v := range attrs {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err := b.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      tags,
	})
	if err != nil {
		return fmt.Errorf("tag instance %s: %w", instanceID, err)
	}
	return nil
}

func (b *EC2Backend) DeleteAgentInstanceAttributes(ctx context.Context, instanceID string, keys []string) error {
	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k)})
	}
	_, err := b.client.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{instanceID},
		Tags:      tags,
	})
	if err != nil {
		return fmt.Errorf("untag instance %s: %w", instanceID, err)
	}
	return nil
}

func tagMap(tags []types.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m
}
