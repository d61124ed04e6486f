package aggregation

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	execMetricPartition = "METRIC#EXECUTION_COUNT"
	errorTypePartition  = "TYPE#ERROR"

	gs3ExecPartition = "BUCKET#EXEC"
	gs3ErrPartition  = "BUCKET#ERROR"

	metadataSortKey = "METADATA"
)

// errorType projects the first two characters of an errorCode, or the
// whole code when it is shorter than two characters. Never inline this
// substring logic at a call site — every ErrorRecord and GSI bucket key
// depends on it matching exactly.
func errorType(code string) string {
	if len(code) <= 2 {
		return code
	}
	return code[:2]
}

// zeroPad renders n as a width-digit zero-padded decimal string so GSI
// sort keys collate numerically, not lexicographically. Negative n is
// clamped to 0 — decrements never legitimately go negative (§3.2
// invariant 6); a caller that sees one has a bug elsewhere and should
// have already logged it before reaching a key builder.
func zeroPad(n int64, width int) string {
	if n < 0 {
		n = 0
	}
	s := strconv.FormatInt(n, 10)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func errorRecordKey(code string) string {
	return "ERROR#" + code
}

func executionKey(id string) string {
	return "EXEC#" + id
}

func linkSK(code string) string {
	return "ERROR#" + code
}

// execGsiSortKey builds the GS1(exec) sort key: COUNT#<STATUS>#<padCount>#EXEC#<id>.
func execGsiSortKey(status ErrorStatus, count int64, executionID string) string {
	return fmt.Sprintf("COUNT#%s#%s#EXEC#%s", strings.ToUpper(string(status)), zeroPad(count, 10), executionID)
}

// errorGsiSortKey builds the GS2(err) sort key: COUNT#<STATUS>#<padCount>#ERROR#<code>.
func errorGsiSortKey(status ErrorStatus, count int64, errorCode string) string {
	return fmt.Sprintf("COUNT#%s#%s#ERROR#%s", strings.ToUpper(string(status)), zeroPad(count, 10), errorCode)
}

// typeBucketSortKey builds the GS3 sort key for the errorType dashboard
// bucket, shared by both entity kinds it partitions (executions keyed by
// id, error records keyed by code — the caller supplies the trailing id).
func typeBucketSortKey(errType string, status ErrorStatus, count int64, id string) string {
	return fmt.Sprintf("COUNT#%s#%s#%s#%s", errType, strings.ToUpper(string(status)), zeroPad(count, 10), id)
}

// linkInverseSortKey builds the GS1(link) sort key for the "executions
// exhibiting this error" index.
func linkInverseSortKey(executionID string) string {
	return "EXECUTION#" + executionID
}

func linkInversePartition(errorCode string) string {
	return "ERROR#" + errorCode
}
