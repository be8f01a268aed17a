// Package sqlinline holds the hand-written SQL of the outcome journal. Every
// statement starts with a --sql <uuid> marker that SQL logs refer to.
package sqlinline

const QOutcomeSchema = `--sql 62cb8595-0945-4e6a-8ecf-0469cb5d998a
create table if not exists generation_outcomes (
    job_id          text primary key,
    status          text not null,
    items           jsonb not null default '[]'::jsonb,
    completed_count int not null default 0,
    failed_count    int not null default 0,
    timed_out       boolean not null default false,
    finished_at     timestamptz not null,
    recorded_at     timestamptz not null default now()
);
`

const QOutcomeUpsert = `--sql 5c1b9191-9d7f-421d-b48f-66a1787ef13b
insert into generation_outcomes (job_id, status, items, completed_count, failed_count, timed_out, finished_at)
values ($1, $2, $3, $4, $5, $6, $7)
on conflict (job_id) do update
set status = excluded.status,
    items = excluded.items,
    completed_count = excluded.completed_count,
    failed_count = excluded.failed_count,
    timed_out = excluded.timed_out,
    finished_at = excluded.finished_at,
    recorded_at = now();
`

const QOutcomeGet = `--sql 42e26a28-4068-47c7-8694-20aa34225328
select job_id, status, items, completed_count, failed_count, timed_out, finished_at
from generation_outcomes
where job_id = $1;
`
