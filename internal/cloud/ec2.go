package cloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opsloop/runnerpool/internal/userdata"
)

func init() {
	Register("ec2", newEC2Client)
}

// EC2Client provisions ephemeral runners as AWS EC2 instances. Launch
// polls DescribeInstances until the instance leaves pending, retrying
// the whole launch (terminate, relaunch) up to maxCreateAttempts total
// when the instance lands in a terminal error state.
type EC2Client struct {
	log    *logrus.Logger
	client *ec2.Client
	region string
}

func newEC2Client(settings map[string]any, log *logrus.Logger) (CloudClient, error) {
	region, _ := settings["region"].(string)
	if region == "" {
		region = "us-east-1"
	}

	var optFns []func(*config.LoadOptions) error
	optFns = append(optFns, config.WithRegion(region))

	if accessKey, _ := settings["accessKeyId"].(string); accessKey != "" {
		secretKey, _ := settings["secretAccessKey"].(string)
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("cloud/ec2: load aws config: %w", err)
	}

	return &EC2Client{
		log:    log,
		client: ec2.NewFromConfig(cfg),
		region: region,
	}, nil
}

// CreateVM launches an EC2 instance of the flavor/network named in the
// VmType config, tagging it with the runner name so ListVMs can later
// correlate it, and injecting the registration script as instance
// user-data.
func (c *EC2Client) CreateVM(ctx context.Context, params CreateParams) (string, error) {
	ami, _ := params.Config["image"].(string)
	flavor, _ := params.Config["flavor"].(string)
	network, _ := params.Config["network"].(string)
	if ami == "" || flavor == "" {
		return "", fmt.Errorf("cloud/ec2: vm_type config requires \"image\" and \"flavor\"")
	}

	script, err := userdata.Render(userdata.Params{
		RunnerName:   params.RunnerName,
		Tags:         params.Tags,
		Token:        params.Token,
		Org:          params.Org,
		InstallerURL: params.InstallerURL,
	})
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		instanceID, err := c.launchOnce(ctx, ami, flavor, network, params, script)
		if err == nil {
			return instanceID, nil
		}
		lastErr = err
		c.log.WithError(err).WithField("attempt", attempt).Warn("ec2 instance launch failed, retrying")
	}
	return "", fmt.Errorf("cloud/ec2: create_vm failed after %d attempts: %w", maxCreateAttempts, lastErr)
}

func (c *EC2Client) launchOnce(ctx context.Context, ami, flavor, network string, params CreateParams, script string) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(ami),
		InstanceType:      types.InstanceType(flavor),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		UserData:          aws.String(script),
		ClientToken:       aws.String(uuid.NewString()),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String("Name"), Value: aws.String(params.RunnerName)},
				{Key: aws.String("runnerpool-org"), Value: aws.String(params.Org)},
			},
		}},
	}
	if network != "" {
		input.SubnetId = aws.String(network)
	}

	out, err := c.client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("run_instances: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run_instances: no instances returned")
	}
	instanceID := aws.ToString(out.Instances[0].InstanceId)

	state, err := c.waitForTerminalState(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if state == string(types.InstanceStateNameTerminated) || state == "error" {
		_, _ = c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
		return "", fmt.Errorf("instance %s entered state %s", instanceID, state)
	}
	return instanceID, nil
}

func (c *EC2Client) waitForTerminalState(ctx context.Context, instanceID string) (string, error) {
	for {
		out, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
		if err != nil {
			return "", fmt.Errorf("describe_instances: %w", err)
		}
		if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
			return "", fmt.Errorf("describe_instances: instance %s not found", instanceID)
		}

		state := out.Reservations[0].Instances[0].State.Name
		switch state {
		case types.InstanceStateNamePending:
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		default:
			return string(state), nil
		}
	}
}

// DeleteVM terminates the instance. When imageHint is set, it first
// stops the instance and waits for the stop to land before terminating,
// graceful shutdown for images that need a clean unsubscribe, mirroring
// the shelve-then-delete handling some cloud backends require.
func (c *EC2Client) DeleteVM(ctx context.Context, vmID string, imageHint string) error {
	if imageHint != "" {
		if _, err := c.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{vmID}}); err != nil {
			if !isNotFoundErr(err) {
				c.log.WithError(err).Warn("stop instance before delete")
			}
		} else {
			c.waitForStop(ctx, vmID)
		}
	}

	_, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{vmID}})
	if err != nil && !isNotFoundErr(err) {
		return fmt.Errorf("cloud/ec2: terminate %s: %w", vmID, err)
	}
	return nil
}

func (c *EC2Client) waitForStop(ctx context.Context, instanceID string) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		out, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
		if err != nil || len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
			return
		}
		if out.Reservations[0].Instances[0].State.Name == types.InstanceStateNameStopped {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// ListVMs returns pending, running, stopping and stopped instances whose
// runnerpool-org tag equals orgPrefix, for orphan reconciliation.
func (c *EC2Client) ListVMs(ctx context.Context, orgPrefix string) ([]VM, error) {
	out, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:runnerpool-org"), Values: []string{orgPrefix}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cloud/ec2: list_vms: %w", err)
	}

	var vms []VM
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			name := ""
			for _, tag := range inst.Tags {
				if aws.ToString(tag.Key) == "Name" {
					name = aws.ToString(tag.Value)
				}
			}
			vms = append(vms, VM{ID: aws.ToString(inst.InstanceId), Name: name, Status: string(inst.State.Name)})
		}
	}
	return vms, nil
}

func isNotFoundErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "InvalidInstanceID.NotFound")
}
