package sqlinline

const QInsertJob = `--sql 7dad0d5a-fe53-4640-b7d9-99de5d55adbf
insert into gen_jobs(
  id,
  session_id,
  owner_id,
  model_id,
  prompt,
  parameters,
  status,
  created_at,
  updated_at
) values (
  $1::uuid,
  $2::text,
  nullif($3::text, ''),
  $4::text,
  $5::text,
  coalesce($6::jsonb, '{}'::jsonb),
  $7::text,
  $8::timestamptz,
  $8::timestamptz
);
`

const QSelectJob = `--sql 0e7863c3-b098-4ac4-a58e-ebc2901c62d4
select
  id::text,
  session_id,
  coalesce(owner_id, ''),
  model_id,
  prompt,
  parameters,
  status,
  created_at,
  updated_at
from gen_jobs
where id = $1::uuid
limit 1;
`

const QMergeJobParameters = `--sql b6299c4b-b24b-463a-a234-9727934559a4
update gen_jobs
set parameters = parameters || $2::jsonb,
    updated_at = now()
where id = $1::uuid
  and status = 'processing';
`

// QCompleteJob flips a processing job to completed and inserts its outputs in
// one statement. The select yields 0 when the guard did not match.
const QCompleteJob = `--sql 514114f0-09e4-48fb-a5bc-3f3b87c0b629
with upd as (
  update gen_jobs
  set status = 'completed',
      parameters = parameters || $2::jsonb,
      updated_at = now()
  where id = $1::uuid
    and status = 'processing'
  returning id, updated_at
),
ins as (
  insert into gen_job_outputs(
    id,
    job_id,
    file_ref,
    kind,
    mime,
    width,
    height,
    duration_seconds,
    created_at
  )
  select
    o.id,
    upd.id,
    o.file_ref,
    o.kind,
    o.mime,
    o.width,
    o.height,
    o.duration_seconds,
    upd.updated_at
  from upd
  cross join jsonb_to_recordset($3::jsonb) as o(
    id uuid,
    file_ref text,
    kind text,
    mime text,
    width int,
    height int,
    duration_seconds double precision
  )
  returning 1
)
select count(*) from upd;
`

const QFinishJob = `--sql 55be6739-45ff-4ae4-91ac-56ce8dfab8da
update gen_jobs
set status = $2::text,
    parameters = parameters || $3::jsonb,
    updated_at = now()
where id = $1::uuid
  and status = 'processing';
`

const QDeleteTerminalJob = `--sql 98028391-71a1-4457-95d0-b8a464c48343
delete from gen_jobs
where id = $1::uuid
  and status <> 'processing';
`

const QListProcessingJobs = `--sql ed3bee77-0690-49e5-9d9e-db2ee8f08719
select
  id::text,
  session_id,
  coalesce(owner_id, ''),
  model_id,
  prompt,
  parameters,
  status,
  created_at,
  updated_at
from gen_jobs
where status = 'processing'
order by created_at asc
limit $1::int;
`

const QListSessionJobsFirst = `--sql a78188b9-e305-4675-9619-46d9fe7374bb
select
  id::text,
  session_id,
  coalesce(owner_id, ''),
  model_id,
  prompt,
  parameters,
  status,
  created_at,
  updated_at
from gen_jobs
where session_id = $1::text
order by created_at desc, id desc
limit $2::int;
`

// QListSessionJobsAfter reads the page strictly after the (created_at, id)
// boundary in (created_at desc, id desc) order.
const QListSessionJobsAfter = `--sql d016fd3b-213a-43f4-b545-498fced274a0
select
  id::text,
  session_id,
  coalesce(owner_id, ''),
  model_id,
  prompt,
  parameters,
  status,
  created_at,
  updated_at
from gen_jobs
where session_id = $1::text
  and (
    created_at < $2::timestamptz
    or (created_at = $2::timestamptz and id < $3::uuid)
  )
order by created_at desc, id desc
limit $4::int;
`
