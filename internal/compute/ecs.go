package compute

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

// ecsAPI is the slice of the ECS client the adapter uses. Tests stub it.
type ecsAPI interface {
	RunTask(ctx context.Context, in *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, in *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, in *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
}

// ECSConfig locates the cluster and network a sandbox task runs in.
type ECSConfig struct {
	Cluster        string   `yaml:"cluster"`
	TaskDefinition string   `yaml:"task_definition"`
	ContainerName  string   `yaml:"container_name"`
	Subnets        []string `yaml:"subnets"`
	SecurityGroups []string `yaml:"security_groups"`
	AssignPublicIP bool     `yaml:"assign_public_ip"`
}

// ECSBackend runs sandbox tasks as Fargate tasks.
type ECSBackend struct {
	client ecsAPI
	cfg    ECSConfig
}

// NewECS creates an ECS compute backend.
func NewECS(client *ecs.Client, cfg ECSConfig) *ECSBackend {
	return &ECSBackend{client: client, cfg: cfg}
}

func newECSWithAPI(client ecsAPI, cfg ECSConfig) *ECSBackend {
	return &ECSBackend{client: client, cfg: cfg}
}

func (b *ECSBackend) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	assignIP := ecstypes.AssignPublicIpDisabled
	if b.cfg.AssignPublicIP {
		assignIP = ecstypes.AssignPublicIpEnabled
	}

	env := []ecstypes.KeyValuePair{
		{Name: aws.String("SESSION_ID"), Value: aws.String(spec.SessionID)},
		{Name: aws.String("USER_ID"), Value: aws.String(spec.UserID)},
		{Name: aws.String("SANDBOX_HEAP_MIB"), Value: aws.String(strconv.Itoa(int(spec.Profile.HeapMiB)))},
	}
	for name, value := range spec.Env {
		env = append(env, ecstypes.KeyValuePair{Name: aws.String(name), Value: aws.String(value)})
	}

	out, err := b.client.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(b.cfg.Cluster),
		TaskDefinition: aws.String(b.cfg.TaskDefinition),
		Count:          aws.Int32(1),
		LaunchType:     ecstypes.LaunchTypeFargate,
		StartedBy:      aws.String("sessiond"),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        b.cfg.Subnets,
				SecurityGroups: b.cfg.SecurityGroups,
				AssignPublicIp: assignIP,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			Cpu:    aws.String(strconv.Itoa(int(spec.Profile.CPUUnits))),
			Memory: aws.String(strconv.Itoa(int(spec.Profile.MemoryMiB))),
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name:        aws.String(b.cfg.ContainerName),
				Environment: env,
			}},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String("sessiond:session-id"), Value: aws.String(spec.SessionID)},
			{Key: aws.String("sessiond:user-id"), Value: aws.String(spec.UserID)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("run sandbox task: %w", err)
	}
	if len(out.Failures) > 0 {
		return "", fmt.Errorf("run sandbox task: %s", failureString(out.Failures[0]))
	}
	if len(out.Tasks) == 0 || out.Tasks[0].TaskArn == nil {
		return "", fmt.Errorf("run sandbox task: no task in response")
	}
	return aws.ToString(out.Tasks[0].TaskArn), nil
}

func (b *ECSBackend) Describe(ctx context.Context, handle string) (TaskStatus, error) {
	out, err := b.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(b.cfg.Cluster),
		Tasks:   []string{handle},
	})
	if err != nil {
		return TaskStatus{}, fmt.Errorf("describe sandbox task %s: %w", handle, err)
	}
	if len(out.Tasks) == 0 {
		// ECS reports unknown tasks as failures, typically reason MISSING.
		reason := "task not found"
		if len(out.Failures) > 0 {
			reason = failureString(out.Failures[0])
		}
		return TaskStatus{State: TaskStopped, StopReason: reason}, nil
	}

	task := out.Tasks[0]
	status := TaskStatus{Address: privateAddress(task)}
	switch strings.ToUpper(aws.ToString(task.LastStatus)) {
	case "RUNNING":
		status.State = TaskRunning
	case "STOPPED":
		status.State = TaskStopped
		status.StopReason = aws.ToString(task.StoppedReason)
	default:
		status.State = TaskPending
	}
	return status, nil
}

func (b *ECSBackend) Stop(ctx context.Context, handle string) error {
	_, err := b.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(b.cfg.Cluster),
		Task:    aws.String(handle),
		Reason:  aws.String("session terminated"),
	})
	if err != nil {
		if stopIsAlreadyGone(err) {
			return nil
		}
		return fmt.Errorf("stop sandbox task %s: %w", handle, err)
	}
	return nil
}

// stopIsAlreadyGone reports whether a StopTask error means the task no longer
// exists. ECS signals an unknown task as InvalidParameterException with a
// "not found" message rather than a dedicated exception type.
func stopIsAlreadyGone(err error) bool {
	var clusterNotFound *ecstypes.ClusterNotFoundException
	if errors.As(err, &clusterNotFound) {
		return true
	}
	var invalidParam *ecstypes.InvalidParameterException
	return errors.As(err, &invalidParam) &&
		strings.Contains(strings.ToLower(aws.ToString(invalidParam.Message)), "not found")
}

func privateAddress(task ecstypes.Task) string {
	for _, container := range task.Containers {
		for _, iface := range container.NetworkInterfaces {
			if addr := aws.ToString(iface.PrivateIpv4Address); addr != "" {
				return addr
			}
		}
	}
	return ""
}

func failureString(f ecstypes.Failure) string {
	reason := aws.ToString(f.Reason)
	if detail := aws.ToString(f.Detail); detail != "" {
		return reason + ": " + detail
	}
	return reason
}
