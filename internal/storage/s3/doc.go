/*
Package s3 stores remote files in an AWS S3 (or S3-compatible) bucket for
the reference REST server.

Paths map to object keys below an optional prefix:

	/docs/a.txt   ->  <prefix>/docs/a.txt
	/docs         ->  <prefix>/docs/   (directory marker, optional)

A directory exists if its marker object exists or if any key lies below it,
so buckets populated by other tools list naturally. Rename is copy then
delete and is not atomic.

Uploads go through the CargoShip transporter when
EnableCargoShipOptimization is set and fall back to PutObject on failure.

# Usage

	backend, err := s3.NewBackend(ctx, &s3.Config{
		Bucket:         "my-bucket",
		Region:         "us-west-2",
		Endpoint:       "http://localhost:4566",
		ForcePathStyle: true,
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	srv := server.New(server.Config{Store: backend})
*/
package s3
