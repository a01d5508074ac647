package sqlinline

const QLedgerEnsureBalance = `--sql 6e7a289b-fa24-49d6-8bfd-f2dc1282ae5c
insert into ledger_balances (merchant_id, balance, created_at, updated_at)
values ($1::text, 0, now(), now())
on conflict (merchant_id) do nothing;
`

const QLedgerSelectBalance = `--sql d7fbafce-7529-41b0-b0dc-1ebcf7fc7d5b
select balance
from ledger_balances
where merchant_id = $1::text;
`

const QLedgerLockBalance = `--sql c9666984-8d0a-48f1-88a5-4ba220c716f3
select balance
from ledger_balances
where merchant_id = $1::text
for update;
`

// QLedgerInsertTransaction returns no row when (merchant_id, idempotency_key)
// already exists.
const QLedgerInsertTransaction = `--sql dd15b477-09b9-460e-905c-dc55e40ffc6f
insert into ledger_transactions (id, merchant_id, delta, reason, idempotency_key, reference, created_at)
values (gen_random_uuid(), $1::text, $2::bigint, $3::text, $4::text, $5::text, now())
on conflict (merchant_id, idempotency_key) do nothing
returning id::text;
`

const QLedgerApplyDelta = `--sql b92adcc3-581d-40ad-ac54-465af5e57286
update ledger_balances
set balance = balance + $2::bigint, updated_at = now()
where merchant_id = $1::text
returning balance;
`

const QLedgerListTransactions = `--sql b9701104-96f7-4e71-b05a-0e8236681f64
select id::text, merchant_id, delta, reason, idempotency_key, reference, created_at
from ledger_transactions
where merchant_id = $1::text
order by created_at desc, id desc
limit $2::int;
`
