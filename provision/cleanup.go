package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdsTypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
)

const cleanupRounds = 10

var cleanupPollInterval = 60 * time.Second

// Statuses in which an instance can be deleted.
var deletableStatuses = map[string]bool{
	"available":                 true,
	"failed":                    true,
	"storage-full":              true,
	"incompatible-option-group": true,
	"incompatible-parameters":   true,
	"incompatible-restore":      true,
	"incompatible-network":      true,
}

// Deletes leftover instances and parameter groups carrying this sweep's label,
// e.g. after a crashed run. Instances still creating are waited on until they
// reach a deletable status. Deletions within a round run concurrently.
func (p *rdsProvisioner) Cleanup(ctx context.Context, concurrency int) error {
	remaining := 0
	for i := 0; i < cleanupRounds; i++ {
		instances, err := p.listAllInstances(ctx)
		if err != nil {
			return &ProvisionError{Op: "describe instances", Err: err}
		}

		labeled := []string{}
		pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency))
		for _, inst := range instances {
			id := aws.ToString(inst.DBInstanceIdentifier)
			if !strings.HasPrefix(id, p.input.Label+"-") {
				continue
			}
			labeled = append(labeled, id)
			if !deletableStatuses[aws.ToString(inst.DBInstanceStatus)] {
				continue
			}

			pool.Submit(func() {
				slog.Info("deleting leftover instance", slog.String("instanceID", id))
				_, err := p.rds.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
					DBInstanceIdentifier: aws.String(id),
					SkipFinalSnapshot:    aws.Bool(true),
				})
				if err != nil {
					slog.Error("DeleteDBInstance failed", slog.String("instanceID", id), slog.String("error", err.Error()))
				}
			})
		}
		pool.StopAndWait()

		remaining = len(labeled)
		if remaining == 0 {
			break
		}
		slog.Debug("waiting for leftover instances to go away", slog.Int("remaining", remaining))
		select {
		case <-ctx.Done():
			return &ProvisionError{Op: "cleanup", Err: ctx.Err()}
		case <-time.After(cleanupPollInterval):
		}
	}
	if remaining > 0 {
		return fmt.Errorf("timed out deleting leftover instances, %d remaining", remaining)
	}

	paramGroups, err := p.listAllParameterGroups(ctx)
	if err != nil {
		return &ProvisionError{Op: "describe parameter groups", Err: err}
	}
	for _, pg := range paramGroups {
		name := aws.ToString(pg.DBParameterGroupName)
		if !strings.HasPrefix(name, "pg-"+p.input.Label+"-") {
			continue
		}
		_, err := p.rds.DeleteDBParameterGroup(ctx, &rds.DeleteDBParameterGroupInput{
			DBParameterGroupName: aws.String(name),
		})
		if err != nil {
			slog.Error("DeleteDBParameterGroup failed", slog.String("name", name), slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted leftover parameter group", slog.String("name", name))
		}
	}
	return nil
}

// Both listings page at 100 records, so follow the marker to the end.
func (p *rdsProvisioner) listAllInstances(ctx context.Context) ([]rdsTypes.DBInstance, error) {
	out := []rdsTypes.DBInstance{}
	var marker *string
	for {
		resp, err := p.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
		if err != nil {
			return nil, err
		}
		out = append(out, resp.DBInstances...)
		if resp.Marker == nil {
			return out, nil
		}
		marker = resp.Marker
	}
}

func (p *rdsProvisioner) listAllParameterGroups(ctx context.Context) ([]rdsTypes.DBParameterGroup, error) {
	out := []rdsTypes.DBParameterGroup{}
	var marker *string
	for {
		resp, err := p.rds.DescribeDBParameterGroups(ctx, &rds.DescribeDBParameterGroupsInput{Marker: marker})
		if err != nil {
			return nil, err
		}
		out = append(out, resp.DBParameterGroups...)
		if resp.Marker == nil {
			return out, nil
		}
		marker = resp.Marker
	}
}
