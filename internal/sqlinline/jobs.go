package sqlinline

const jobColumns = `id::text, merchant_id, operation, input_asset, output_asset, output_url, external_task_id,
       status, poll_attempts, last_error, failure_kind, credit_reserved, reserved_amount, created_at, updated_at`

const QJobInsert = `--sql 9e43fc1e-e879-494c-aee2-83532b861d47
insert into jobs (id, merchant_id, operation, input_asset, status, credit_reserved, reserved_amount, created_at, updated_at)
values ($1::uuid, $2::text, $3::text, $4::text, $5::text, $6::boolean, $7::bigint, now(), now())
returning created_at, updated_at;
`

const QJobSelectByID = `--sql aba03b3e-cc83-42cb-bcd8-454dcf38f0a3
select ` + jobColumns + `
from jobs
where id = $1::uuid;
`

const QJobSelectForMerchant = `--sql 36f23b6f-8a52-4226-9d4e-ce73ff072dd6
select ` + jobColumns + `
from jobs
where id = $1::uuid and merchant_id = $2::text;
`

const QJobTransition = `--sql becad336-3a2e-4ca9-a4a2-6af7a6b52905
update jobs
set status = $3::text, updated_at = now()
where id = $1::uuid and status = $2::text;
`

const QJobSetExternalTaskID = `--sql 688c9e88-d993-4910-8f44-dc4f81ca3ec1
update jobs
set external_task_id = $2::text, updated_at = now()
where id = $1::uuid
  and status = 'processing'
  and external_task_id is null;
`

const QJobIncrementPollAttempts = `--sql ab70774d-e3b3-452a-bde1-0cc8c67a2e38
update jobs
set poll_attempts = poll_attempts + 1, updated_at = now()
where id = $1::uuid
  and status = 'processing'
  and poll_attempts < $2::int;
`

const QJobMarkProcessed = `--sql 4dab6d7b-d8f5-4fe7-903c-d0f5d57335c4
update jobs
set status = 'processed',
    output_asset = $2::text,
    output_url = $3::text,
    last_error = null,
    updated_at = now()
where id = $1::uuid and status = 'processing';
`

const QJobMarkFailed = `--sql 64d97555-9db2-41fd-8555-f8f55a9b11ae
update jobs
set status = 'failed',
    last_error = $3::text,
    failure_kind = $4::text,
    updated_at = now()
where id = $1::uuid and status = any($2::text[]);
`

const QJobListProcessing = `--sql 8ac1b08e-cd8a-4d52-8db0-de42aa853ad9
select ` + jobColumns + `
from jobs
where status = 'processing' and external_task_id is not null
order by updated_at asc
limit $1::int;
`

const QJobCountProcessing = `--sql a0fbf237-779c-4706-84cb-7cd0d954e621
select count(*)
from jobs
where status = 'processing';
`

// QJobClaimStaleQueued touches queued jobs that were never picked up so a
// single sweeper republishes each of them.
const QJobClaimStaleQueued = `--sql 6242c6cf-f2d2-4275-bb4a-27c913750fed
with stale as (
    select id
    from jobs
    where status = 'queued' and updated_at < $1::timestamptz
    order by updated_at asc
    for update skip locked
    limit $2::int
)
update jobs j
set updated_at = now()
from stale
where j.id = stale.id
returning j.id::text, j.merchant_id, j.operation, j.input_asset, j.output_asset, j.output_url, j.external_task_id,
          j.status, j.poll_attempts, j.last_error, j.failure_kind, j.credit_reserved, j.reserved_amount, j.created_at, j.updated_at;
`

const QJobListOrphanedReservations = `--sql 56d0a070-2e99-4947-b194-95d98f1e3e6a
select t.merchant_id, t.reference, -t.delta, t.created_at
from ledger_transactions t
where t.reason like 'reserve:%'
  and t.reference is not null
  and t.created_at < $1::timestamptz
  and t.created_at > $3::timestamptz
  and not exists (select 1 from jobs j where j.id::text = t.reference)
  and not exists (
      select 1 from ledger_transactions r
      where r.merchant_id = t.merchant_id
        and r.idempotency_key = t.reference || ':orphaned-reservation'
  )
order by t.created_at asc
limit $2::int;
`

// QJobListUnrefundedFailures finds failed jobs that still hold a reservation
// but have no credit row keyed under the job id. $3 includes
// materialization failures when that policy refunds them.
const QJobListUnrefundedFailures = `--sql f7eb1156-f90b-4606-9dcf-d86e37a2459e
select ` + jobColumns + `
from jobs j
where j.status = 'failed'
  and j.credit_reserved
  and j.reserved_amount > 0
  and j.updated_at < $1::timestamptz
  and (j.failure_kind is distinct from 'materialization_failure' or $3::boolean)
  and not exists (
      select 1 from ledger_transactions t
      where t.merchant_id = j.merchant_id
        and t.delta > 0
        and t.idempotency_key like j.id::text || ':%'
  )
order by j.updated_at asc
limit $2::int;
`
