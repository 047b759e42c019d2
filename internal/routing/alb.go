package routing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/botlabs-edu/sessiond/internal/session"
)

const sessionTagKey = "sessiond:session-id"
const serviceTagKey = "sessiond:service"

// albAPI is the slice of the ELBv2 client the adapter uses. Tests stub it.
type albAPI interface {
	CreateTargetGroup(ctx context.Context, in *elbv2.CreateTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error)
	ModifyTargetGroupAttributes(ctx context.Context, in *elbv2.ModifyTargetGroupAttributesInput, optFns ...func(*elbv2.Options)) (*elbv2.ModifyTargetGroupAttributesOutput, error)
	CreateRule(ctx context.Context, in *elbv2.CreateRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error)
	RegisterTargets(ctx context.Context, in *elbv2.RegisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error)
	DeleteRule(ctx context.Context, in *elbv2.DeleteRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteRuleOutput, error)
	DeleteTargetGroup(ctx context.Context, in *elbv2.DeleteTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error)
	DescribeRules(ctx context.Context, in *elbv2.DescribeRulesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error)
	DescribeTags(ctx context.Context, in *elbv2.DescribeTagsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTagsOutput, error)
}

// ALBConfig locates the shared load balancer the session routes hang off.
type ALBConfig struct {
	ListenerARN string `yaml:"listener_arn"`
	VPCID       string `yaml:"vpc_id"`
	// PublicBaseURL is the externally reachable origin in front of the
	// listener, e.g. https://lab.example.com.
	PublicBaseURL string `yaml:"public_base_url"`
	// DeregistrationDelaySeconds is kept short so stopped tasks drain fast.
	DeregistrationDelaySeconds int32 `yaml:"deregistration_delay_seconds"`
}

// ALBBackend provisions one target group and one path rule per
// session/service pair on a shared listener.
type ALBBackend struct {
	client albAPI
	cfg    ALBConfig
}

// NewALB creates an ALB routing backend.
func NewALB(client *elbv2.Client, cfg ALBConfig) *ALBBackend {
	return &ALBBackend{client: client, cfg: cfg}
}

func newALBWithAPI(client albAPI, cfg ALBConfig) *ALBBackend {
	return &ALBBackend{client: client, cfg: cfg}
}

func (b *ALBBackend) CreateRoute(ctx context.Context, sessionID string, svc ServiceSpec) (session.Route, error) {
	delay := b.cfg.DeregistrationDelaySeconds
	if delay <= 0 {
		delay = 30
	}

	tags := []elbtypes.Tag{
		{Key: aws.String(sessionTagKey), Value: aws.String(sessionID)},
		{Key: aws.String(serviceTagKey), Value: aws.String(string(svc.Name))},
	}

	tgOut, err := b.client.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
		Name:                aws.String(targetGroupName(sessionID, svc.Name)),
		Port:                aws.Int32(svc.Port),
		Protocol:            elbtypes.ProtocolEnumHttp,
		VpcId:               aws.String(b.cfg.VPCID),
		TargetType:          elbtypes.TargetTypeEnumIp,
		HealthCheckPath:     aws.String(svc.HealthCheckPath),
		HealthCheckProtocol: elbtypes.ProtocolEnumHttp,
		Tags:                tags,
	})
	if err != nil {
		return session.Route{}, fmt.Errorf("create target group for %s/%s: %w", sessionID, svc.Name, err)
	}
	if len(tgOut.TargetGroups) == 0 || tgOut.TargetGroups[0].TargetGroupArn == nil {
		return session.Route{}, fmt.Errorf("create target group for %s/%s: empty response", sessionID, svc.Name)
	}
	tgARN := aws.ToString(tgOut.TargetGroups[0].TargetGroupArn)

	// Short drain, no stickiness: the task address isn't known yet and
	// affinity would pin future requests to a target that may be replaced.
	_, err = b.client.ModifyTargetGroupAttributes(ctx, &elbv2.ModifyTargetGroupAttributesInput{
		TargetGroupArn: aws.String(tgARN),
		Attributes: []elbtypes.TargetGroupAttribute{
			{Key: aws.String("deregistration_delay.timeout_seconds"), Value: aws.String(fmt.Sprintf("%d", delay))},
			{Key: aws.String("stickiness.enabled"), Value: aws.String("false")},
		},
	})
	if err != nil {
		return session.Route{}, fmt.Errorf("configure target group for %s/%s: %w", sessionID, svc.Name, err)
	}

	pathPrefix := fmt.Sprintf("/sessions/%s/%s", sessionID, svc.Name)
	ruleOut, err := b.client.CreateRule(ctx, &elbv2.CreateRuleInput{
		ListenerArn: aws.String(b.cfg.ListenerARN),
		Priority:    aws.Int32(rulePriority(sessionID, svc.Name)),
		Conditions: []elbtypes.RuleCondition{{
			Field: aws.String("path-pattern"),
			PathPatternConfig: &elbtypes.PathPatternConditionConfig{
				Values: []string{pathPrefix + "/*"},
			},
		}},
		Actions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: aws.String(tgARN),
		}},
		Tags: tags,
	})
	if err != nil {
		return session.Route{}, fmt.Errorf("create rule for %s/%s: %w", sessionID, svc.Name, err)
	}
	if len(ruleOut.Rules) == 0 || ruleOut.Rules[0].RuleArn == nil {
		return session.Route{}, fmt.Errorf("create rule for %s/%s: empty response", sessionID, svc.Name)
	}

	return session.Route{
		Service:   svc.Name,
		RuleRef:   aws.ToString(ruleOut.Rules[0].RuleArn),
		TargetRef: tgARN,
		URL:       strings.TrimRight(b.cfg.PublicBaseURL, "/") + pathPrefix,
	}, nil
}

func (b *ALBBackend) RegisterTarget(ctx context.Context, route session.Route, address string, port int32) error {
	_, err := b.client.RegisterTargets(ctx, &elbv2.RegisterTargetsInput{
		TargetGroupArn: aws.String(route.TargetRef),
		Targets: []elbtypes.TargetDescription{{
			Id:   aws.String(address),
			Port: aws.Int32(port),
		}},
	})
	if err != nil {
		return fmt.Errorf("register target %s:%d for %s: %w", address, port, route.Service, err)
	}
	return nil
}

func (b *ALBBackend) RemoveRoute(ctx context.Context, route session.Route) error {
	if route.RuleRef != "" {
		if _, err := b.client.DeleteRule(ctx, &elbv2.DeleteRuleInput{RuleArn: aws.String(route.RuleRef)}); err != nil {
			if !isNotFound(err) {
				return fmt.Errorf("delete rule %s: %w", route.RuleRef, err)
			}
		}
	}
	if route.TargetRef != "" {
		if _, err := b.client.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{TargetGroupArn: aws.String(route.TargetRef)}); err != nil {
			if !isNotFound(err) {
				return fmt.Errorf("delete target group %s: %w", route.TargetRef, err)
			}
		}
	}
	return nil
}

func (b *ALBBackend) ListSessionRoutes(ctx context.Context) (map[string][]session.Route, error) {
	rulesOut, err := b.client.DescribeRules(ctx, &elbv2.DescribeRulesInput{
		ListenerArn: aws.String(b.cfg.ListenerARN),
	})
	if err != nil {
		return nil, fmt.Errorf("describe listener rules: %w", err)
	}

	ruleARNs := make([]string, 0, len(rulesOut.Rules))
	targetByRule := make(map[string]string)
	for _, rule := range rulesOut.Rules {
		if aws.ToBool(rule.IsDefault) || rule.RuleArn == nil {
			continue
		}
		arn := aws.ToString(rule.RuleArn)
		ruleARNs = append(ruleARNs, arn)
		for _, action := range rule.Actions {
			if action.Type == elbtypes.ActionTypeEnumForward && action.TargetGroupArn != nil {
				targetByRule[arn] = aws.ToString(action.TargetGroupArn)
			}
		}
	}
	if len(ruleARNs) == 0 {
		return map[string][]session.Route{}, nil
	}

	out := make(map[string][]session.Route)
	// DescribeTags caps ResourceArns at 20 per call.
	for start := 0; start < len(ruleARNs); start += 20 {
		end := start + 20
		if end > len(ruleARNs) {
			end = len(ruleARNs)
		}
		tagsOut, err := b.client.DescribeTags(ctx, &elbv2.DescribeTagsInput{
			ResourceArns: ruleARNs[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("describe rule tags: %w", err)
		}
		for _, desc := range tagsOut.TagDescriptions {
			ruleARN := aws.ToString(desc.ResourceArn)
			var sessionID, service string
			for _, tag := range desc.Tags {
				switch aws.ToString(tag.Key) {
				case sessionTagKey:
					sessionID = aws.ToString(tag.Value)
				case serviceTagKey:
					service = aws.ToString(tag.Value)
				}
			}
			if sessionID == "" {
				continue
			}
			out[sessionID] = append(out[sessionID], session.Route{
				Service:   session.ServiceName(service),
				RuleRef:   ruleARN,
				TargetRef: targetByRule[ruleARN],
			})
		}
	}
	return out, nil
}

// targetGroupName fits ALB's 32-character limit; session ids are too long to
// embed directly.
func targetGroupName(sessionID string, svc session.ServiceName) string {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	name := fmt.Sprintf("ses-%08x-%s", h.Sum32(), svc)
	if len(name) > 32 {
		name = name[:32]
	}
	return name
}

// rulePriority hashes the session/service pair into the listener's priority
// space. A collision fails CreateRule and with it the pipeline; the sweeper
// reclaims whatever was provisioned.
func rulePriority(sessionID string, svc session.ServiceName) int32 {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	h.Write([]byte{'/'})
	h.Write([]byte(svc))
	return int32(h.Sum32()%46900) + 100
}

func isNotFound(err error) bool {
	var ruleNotFound *elbtypes.RuleNotFoundException
	var tgNotFound *elbtypes.TargetGroupNotFoundException
	return errors.As(err, &ruleNotFound) || errors.As(err, &tgNotFound)
}
