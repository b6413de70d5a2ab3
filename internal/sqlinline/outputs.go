package sqlinline

const QListOutputsByJobs = `--sql 236df405-c526-4543-a2af-2f9f6892d431
select
  id::text,
  job_id::text,
  file_ref,
  kind,
  coalesce(mime, ''),
  coalesce(width, 0),
  coalesce(height, 0),
  duration_seconds,
  created_at
from gen_job_outputs
where job_id = any($1::uuid[])
order by job_id, created_at asc, id asc;
`
