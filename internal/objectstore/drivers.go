package objectstore

import (
	_ "gocloud.dev/blob/fileblob" // file:// for local runs
	_ "gocloud.dev/blob/gcsblob"  // gs://
	_ "gocloud.dev/blob/memblob"  // mem://
	_ "gocloud.dev/blob/s3blob"   // s3://, also B2, R2 and MinIO via endpoint
)
