package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/kernel/pathsafe"
)

// The three S3-backed strategies differ only in credentials and the
// requester-pays header; listing and streaming are shared.

func s3PublicStrategy(ctx context.Context, req *Request) ([]FileResult, error) {
	return s3Fetch(ctx, req, s3Mode{anonymous: true, perFileBudget: true})
}

// s3SyncStrategy mirrors a whole prefix. As a bulk strategy its budget is
// a post-check across the synced set, not a per-file stream stop.
func s3SyncStrategy(ctx context.Context, req *Request) ([]FileResult, error) {
	return s3Fetch(ctx, req, s3Mode{anonymous: true, perFileBudget: false})
}

func s3RequesterPaysStrategy(ctx context.Context, req *Request) ([]FileResult, error) {
	return s3Fetch(ctx, req, s3Mode{requesterPays: true, perFileBudget: true})
}

type s3Mode struct {
	anonymous     bool
	requesterPays bool
	perFileBudget bool
}

func s3Fetch(ctx context.Context, req *Request, mode s3Mode) ([]FileResult, error) {
	bucket := req.StringParam("bucket")
	if bucket == "" {
		return nil, faults.Config("acquire.s3", "bucket_missing", fmt.Errorf("target %s", req.Row.TargetID))
	}
	prefix := req.StringParam("prefix")
	region := req.StringParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	if mode.anonymous {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return []FileResult{{Path: bucket, Status: StatusFailed, Reason: "aws_config_load_failed"}}, nil
	}
	client := s3.NewFromConfig(awsCfg)

	var payer s3types.RequestPayer
	if mode.requesterPays {
		payer = s3types.RequestPayerRequester
	}

	var results []FileResult
	var bulkBytes int64
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket:       aws.String(bucket),
		Prefix:       aws.String(prefix),
		RequestPayer: payer,
	})
	for paginator.HasMorePages() {
		if err := req.Limiter.Wait(ctx, bucket+".s3.amazonaws.com"); err != nil {
			results = append(results, FileResult{Path: bucket, Status: StatusFailed, Reason: "rate_limit_wait_interrupted"})
			return results, nil
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			results = append(results, FileResult{Path: bucket, Status: StatusFailed, Reason: "s3_list_failed"})
			return results, nil
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || key[len(key)-1] == '/' {
				continue
			}
			res := s3FetchOne(ctx, req, client, bucket, key, payer, mode.perFileBudget)
			bulkBytes += res.Bytes
			results = append(results, res)
			if mode.perFileBudget && req.OverBudget() && !req.AllowHuge {
				return results, nil
			}
		}
	}
	if len(results) == 0 {
		results = append(results, FileResult{Path: bucket + "/" + prefix, Status: StatusFailed, Reason: "prefix_empty"})
	}
	if !mode.perFileBudget && req.MaxBytes > 0 && bulkBytes > req.MaxBytes && !req.AllowHuge {
		// bulk oversize post-check: mark the whole sync oversized
		for i := range results {
			if results[i].Status == StatusOK {
				results[i].Status = StatusOversized
				results[i].Reason = "max_bytes_per_target_exceeded"
			}
		}
	}
	return results, nil
}

func s3FetchOne(ctx context.Context, req *Request, client *s3.Client, bucket, key string, payer s3types.RequestPayer, perFileBudget bool) FileResult {
	rel := filepath.FromSlash(key)
	res := FileResult{Path: rel}

	if sum, ok := req.AlreadyDone(rel); ok {
		res.Status, res.Reason, res.SHA256 = StatusSkipped, "already_downloaded", sum
		return res
	}
	if !req.Execute {
		res.Status, res.Reason = StatusSkipped, "dry_run"
		return res
	}
	if perFileBudget && req.OverBudget() && !req.AllowHuge {
		res.Status, res.Reason = StatusOversized, "byte_budget_exhausted"
		return res
	}

	final, err := pathsafe.EnsureUnderRoot(filepath.Join(req.DestDir, rel), req.DestDir)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "path_escapes_root"
		return res
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		res.Status, res.Reason = StatusFailed, "dest_dir_create_failed"
		return res
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(key),
		RequestPayer: payer,
	})
	if err != nil {
		res.Status, res.Reason = StatusFailed, "s3_get_failed"
		return res
	}
	defer out.Body.Close() //nolint:errcheck // read-only close

	part := final + atomicio.PartSuffix
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // containment checked above
	if err != nil {
		res.Status, res.Reason = StatusFailed, "part_open_failed"
		return res
	}
	h := sha256.New()
	var src io.Reader = out.Body
	if perFileBudget && !req.AllowHuge {
		src = io.LimitReader(out.Body, req.Remaining()+1)
	}
	n, err := io.Copy(io.MultiWriter(f, h), src)
	cerr := f.Close()
	req.Spend(n)
	if err != nil || cerr != nil {
		res.Status, res.Reason = StatusFailed, "stream_failed"
		return res
	}
	if perFileBudget && req.OverBudget() && !req.AllowHuge {
		res.Status, res.Reason, res.Bytes = StatusOversized, "max_bytes_per_target_exceeded", n
		return res
	}
	if err := os.Rename(part, final); err != nil {
		res.Status, res.Reason = StatusFailed, "rename_failed"
		return res
	}
	res.SHA256 = hex.EncodeToString(h.Sum(nil))
	res.Bytes = n
	res.Status = StatusOK
	if perFileBudget && req.OverBudget() {
		res.Status, res.Reason = StatusOversized, "max_bytes_per_target_exceeded"
	}
	if err := req.MarkDone(rel, res.SHA256); err != nil {
		res.Status, res.Reason = StatusFailed, "checkpoint_write_failed"
	}
	return res
}
