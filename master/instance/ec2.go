package instance

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
)

// EC2Config holds the credentials/region used to build the default AWS session; per-instance
// region/instance-id still come from models.Slave.InstanceConfs, since a master controller may
// manage on-demand slaves spread across regions.
type EC2Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// EC2Provider implements Provider against Amazon EC2.
type EC2Provider struct {
	sess *session.Session
	log  logger.Log
}

func NewEC2Provider(config EC2Config, logFactory logger.LogFactory) (*EC2Provider, error) {
	log := logFactory("EC2InstanceProvider")
	cfg := &aws.Config{}
	if config.Region != "" {
		cfg = cfg.WithRegion(config.Region)
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(config.AccessKeyID, config.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS session: %w", err)
	}
	return &EC2Provider{sess: sess, log: log}, nil
}

func (p *EC2Provider) client(confs models.InstanceConfs) *ec2.EC2 {
	if region := confs["region"]; region != "" {
		return ec2.New(p.sess, aws.NewConfig().WithRegion(region))
	}
	return ec2.New(p.sess)
}

func instanceID(confs models.InstanceConfs) (string, error) {
	id := confs["instance_id"]
	if id == "" {
		return "", fmt.Errorf("error instance_confs missing instance_id")
	}
	return id, nil
}

// IsRunning reports whether the instance's current state is "running".
func (p *EC2Provider) IsRunning(ctx context.Context, confs models.InstanceConfs) (bool, error) {
	id, err := instanceID(confs)
	if err != nil {
		return false, err
	}
	out, err := p.client(confs).DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		return false, fmt.Errorf("error describing instance %s: %w", id, err)
	}
	inst := firstInstance(out)
	if inst == nil || inst.State == nil {
		return false, nil
	}
	return aws.StringValue(inst.State.Name) == ec2.InstanceStateNameRunning, nil
}

// GetIP returns the instance's current public IP address, or its private IP if no public address
// is assigned (e.g. a VPC-only slave reachable over a private network).
func (p *EC2Provider) GetIP(ctx context.Context, confs models.InstanceConfs) (string, error) {
	id, err := instanceID(confs)
	if err != nil {
		return "", err
	}
	out, err := p.client(confs).DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		return "", fmt.Errorf("error describing instance %s: %w", id, err)
	}
	inst := firstInstance(out)
	if inst == nil {
		return "", fmt.Errorf("error instance %s not found", id)
	}
	if ip := aws.StringValue(inst.PublicIpAddress); ip != "" {
		return ip, nil
	}
	return aws.StringValue(inst.PrivateIpAddress), nil
}

// Start starts the instance. Idempotent: starting an already-running instance is a no-op as far
// as the caller is concerned (models.Slave.start_instance checks IsRunning first).
func (p *EC2Provider) Start(ctx context.Context, confs models.InstanceConfs) error {
	id, err := instanceID(confs)
	if err != nil {
		return err
	}
	_, err = p.client(confs).StartInstancesWithContext(ctx, &ec2.StartInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		return fmt.Errorf("error starting instance %s: %w", id, err)
	}
	return nil
}

// Stop stops the instance. Called only once models.Slave.IsIdle() holds.
func (p *EC2Provider) Stop(ctx context.Context, confs models.InstanceConfs) error {
	id, err := instanceID(confs)
	if err != nil {
		return err
	}
	_, err = p.client(confs).StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		return fmt.Errorf("error stopping instance %s: %w", id, err)
	}
	return nil
}

func firstInstance(out *ec2.DescribeInstancesOutput) *ec2.Instance {
	if out == nil || len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil
	}
	return out.Reservations[0].Instances[0]
}
